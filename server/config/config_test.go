// config_test.go - Relay configuration tests.
// Copyright (C) 2017  Yawning Angel
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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")
	require.EqualError(err, "No nil buffer as config file")

	basicConfig := `# A basic configuration example.
[Server]
Identifier = "relay1.example.com"
Addresses = [ "127.0.0.1:29483", "[::1]:29483" ]
DataDir = "%s"
IsQuorumMember = true

[Logging]
Level = "debug"

[Sphinx]
NIKE = "x25519"
KEM = "MLKEM768"

[DHT]
Backend = "redis"
RedisAddress = "127.0.0.1:6379"

[Quorum]
Size = 7
Threshold = 4
  [Quorum.Reputation]
  "relay1.example.com" = 0.9
  "relay2.example.com" = 0.5

[Management]
Enable = true
`

	dir, err := filepath.Abs(os.TempDir())
	require.NoError(err)
	cfg, err := Load([]byte(fmt.Sprintf(basicConfig, dir)))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(sphinx.PacketLength, cfg.Sphinx.PacketLength)
	g, err := cfg.Sphinx.Geometry()
	require.NoError(err)
	require.Equal("x25519+MLKEM768", g.Suite().String())
	require.Equal(BackendRedis, cfg.DHT.Backend)
	require.Equal(defaultRedisPrefix, cfg.DHT.KeyPrefix)
	require.Equal(4, cfg.Quorum.Threshold)
	require.Equal(0.5, cfg.Quorum.Reputation["relay2.example.com"])
	require.Equal(30*time.Second, cfg.Quorum.RoundTimeoutDuration())
	require.Equal(defaultManagementAddress, cfg.Management.Address)
	require.Greater(cfg.Debug.NumCryptoWorkers, 0)
	require.Equal(filepath.Join(dir, defaultStateDB), cfg.StatePath())
}

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Server]
Identifier = "relay1"
Addresses = [ "127.0.0.1:29483" ]
DataDir = "/var/lib/quorumnet"
`))
	require.NoError(err)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(defaultNIKE, cfg.Sphinx.NIKE)
	require.Equal(BackendMemory, cfg.DHT.Backend)
	require.Equal(defaultQuorumSize, cfg.Quorum.Size)
	require.Equal(defaultQuorumSize/2+1, cfg.Quorum.Threshold)
	require.False(cfg.Management.Enable)
}

func TestIncompleteConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Logging]
Level = "DEBUG"
`))
	require.EqualError(err, "config: No Server block was present")

	_, err = Load([]byte(`
[Server]
Identifier = ""
Addresses = [ "127.0.0.1:29483" ]
DataDir = "/var/lib/quorumnet"
`))
	require.EqualError(err, "config: Server: Identifier is not set")
}

func TestInvalidConfig(t *testing.T) {
	const server = `
[Server]
Identifier = "relay1"
Addresses = [ "127.0.0.1:29483" ]
DataDir = "/var/lib/quorumnet"
`
	for _, tc := range []struct {
		body string
		err  string
	}{
		{"[Logging]\nLevel = \"LOUD\"\n", "config: Logging: Level 'LOUD' is invalid"},
		{"[DHT]\nBackend = \"kademlia\"\n", "config: DHT: Backend 'kademlia' is invalid"},
		{"[Quorum]\nSize = 3\nThreshold = 4\n", "config: Quorum: Threshold '4' is invalid"},
		{"[Quorum]\nMaxConsecutiveCoordinator = -1\n", "config: Quorum: MaxConsecutiveCoordinator '-1' is invalid"},
		{"[Management]\nEnable = true\nAddress = \"nowhere\"\n", ""},
		{"[Sphinx]\nNIKE = \"rot13\"\n", ""},
		{"[Metrics]\nPyroscopeAddress = \"pyroscope:4040\"\n", "config: Metrics: PyroscopeAddress 'pyroscope:4040' is not a URL"},
	} {
		_, err := Load([]byte(server + tc.body))
		require.Error(t, err, tc.body)
		if tc.err != "" {
			require.EqualError(t, err, tc.err)
		}
	}

	_, err := Load([]byte(`
[Server]
Identifier = "relay1"
Addresses = [ "127.0.0.1" ]
DataDir = "/var/lib/quorumnet"
`))
	require.Error(t, err)

	_, err = Load([]byte(`
[Server]
Identifier = "relay1"
Addresses = [ "127.0.0.1:29483" ]
DataDir = "relative/path"
`))
	require.EqualError(t, err, "config: Server: DataDir 'relative/path' is not an absolute path")
}
