// retry_test.go - Tests for shared retry logic.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type tempErr struct{ temp bool }

func (e *tempErr) Error() string   { return "quorum short" }
func (e *tempErr) Temporary() bool { return e.temp }

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
	require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
	require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))

	for i := 0; i < 100; i++ {
		d := Delay(baseDelay, maxDelay, 0.2, 0)
		require.GreaterOrEqual(d, 80*time.Millisecond)
		require.LessOrEqual(d, 120*time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	require := require.New(t)

	require.False(IsRetryable(nil))
	require.True(IsRetryable(&tempErr{temp: true}))
	require.True(IsRetryable(fmt.Errorf("signing: %w", &tempErr{temp: true})))
	require.False(IsRetryable(&tempErr{temp: false}))
	require.True(IsRetryable(errors.New("dial udp: connection refused")))
	require.False(IsRetryable(errors.New("signature invalid")))
}

func TestDo(t *testing.T) {
	require := require.New(t)

	calls := 0
	err := Do(context.Background(), 3, func(int) error {
		calls++
		if calls < 2 {
			return &tempErr{temp: true}
		}
		return nil
	})
	require.NoError(err)
	require.Equal(2, calls)

	calls = 0
	fatal := errors.New("fatal")
	err = Do(context.Background(), 3, func(int) error {
		calls++
		return fatal
	})
	require.ErrorIs(err, fatal)
	require.Equal(1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Do(ctx, 3, func(int) error { return &tempErr{temp: true} })
	require.ErrorIs(err, context.Canceled)
}
