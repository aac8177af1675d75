// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/ugorji/go/codec"

	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/quorum"
	"github.com/katzenpost/quorumnet/server/config"
	"github.com/katzenpost/quorumnet/server/internal/management"
)

func testConfig(t *testing.T, name string) *config.Config {
	cfg := &config.Config{
		Server: &config.Server{
			Identifier: name,
			Addresses:  []string{"127.0.0.1:0"},
			DataDir:    filepath.Join(t.TempDir(), name),
		},
		Logging: &config.Logging{
			Disable: true,
			Level:   "NOTICE",
		},
		Debug: &config.Debug{
			NumCryptoWorkers: 1,
			ReplayFilterSize: 16,
		},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t, "relay0")
	cfg.Debug.GenerateOnly = true

	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)

	pubFile := filepath.Join(cfg.Server.DataDir, identityPublicKeyFile)
	privFile := filepath.Join(cfg.Server.DataDir, identityPrivateKeyFile)
	require.FileExists(privFile)
	pub, err := os.ReadFile(pubFile)
	require.NoError(err)

	// The existing identity is loaded, not replaced.
	_, err = New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)
	pub2, err := os.ReadFile(pubFile)
	require.NoError(err)
	require.True(bytes.Equal(pub, pub2))

	require.NoError(os.Remove(pubFile))
	_, err = New(cfg)
	require.Error(err)
	require.NotErrorIs(err, ErrGenerateOnly)
}

func TestServerLifecycle(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t, "relay0")
	cfg.Management.Enable = true
	cfg.Management.Address = "127.0.0.1:0"

	s, err := New(cfg)
	require.NoError(err)
	nodeID := s.NodeID()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	epoch := s.epoch()
	require.NoError(s.publishDescriptor(ctx, epoch))
	d, err := s.directory.Lookup(ctx, nodeID)
	require.NoError(err)
	require.Equal("relay0", d.Name)
	require.Equal(epoch, d.Epoch)
	require.Equal(s.transport.Addr(), d.Addresses[0])
	require.False(d.QuorumMember)

	resp, err := http.Get("http://" + s.management.Addr() + "/status")
	require.NoError(err)
	st := new(management.Status)
	require.NoError(codec.NewDecoder(resp.Body, new(codec.JsonHandle)).Decode(st))
	resp.Body.Close()
	require.Equal(nodeID.String(), st.NodeID)
	require.Nil(st.GroupKey)

	_, err = s.Sign(ctx, []byte("not a quorum member"))
	require.ErrorIs(err, quorum.ErrNoGroup)

	s.Shutdown()
	s.Wait()

	// Restarting keeps the identity.
	cfg.Management.Enable = false
	s, err = New(cfg)
	require.NoError(err)
	require.Equal(nodeID, s.NodeID())
	s.Shutdown()
	s.Wait()
}

func TestQuorumEndToEnd(t *testing.T) {
	require := require.New(t)

	mr, err := miniredis.Run()
	require.NoError(err)
	t.Cleanup(mr.Close)

	oldInterval := refreshInterval
	refreshInterval = time.Second
	t.Cleanup(func() { refreshInterval = oldInterval })

	epoch, _, _ := epochtime.Now()

	const nrRelays = 4
	relays := make([]*Server, 0, nrRelays)
	t.Cleanup(func() {
		for _, s := range relays {
			s.Shutdown()
			s.Wait()
		}
	})
	for i := 0; i < nrRelays; i++ {
		cfg := testConfig(t, fmt.Sprintf("relay%d", i))
		cfg.Server.IsQuorumMember = true
		cfg.DHT.Backend = config.BackendRedis
		cfg.DHT.RedisAddress = mr.Addr()
		cfg.Quorum.Size = 3
		cfg.Quorum.Threshold = 2
		cfg.Quorum.RoundTimeout = 10 * 1000
		cfg.Quorum.SigningTimeout = 60 * 1000
		cfg.Debug.StaticEpoch = epoch
		require.NoError(cfg.FixupAndValidate())

		s, err := New(cfg)
		require.NoError(err)
		relays = append(relays, s)
	}

	// Three of the four relays end up holding shares of one group key.
	var groupKey []byte
	require.Eventually(func() bool {
		var n int
		groupKey = nil
		for _, s := range relays {
			k := s.GroupKey()
			if k == nil {
				continue
			}
			if groupKey != nil && !bytes.Equal(groupKey, k) {
				return false
			}
			groupKey = k
			n++
		}
		return n == 3
	}, 3*time.Minute, 250*time.Millisecond)

	var member *Server
	for _, s := range relays {
		if s.GroupKey() != nil {
			member = s
			break
		}
	}
	set := member.Membership()
	require.NotNil(set)
	require.Len(set.Members, 3)
	require.Equal(epoch, set.Epoch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	msg := []byte("quorumnet end to end")
	sig, err := member.Sign(ctx, msg)
	require.NoError(err)
	pub, err := pki.IdentityScheme.UnmarshalBinaryPublicKey(groupKey)
	require.NoError(err)
	require.True(pki.IdentityScheme.Verify(pub, msg, sig, nil))

	// The group's own descriptor is readable by every relay.
	require.Eventually(func() bool {
		d, err := relays[0].directory.LookupQuorum(ctx, groupKey)
		if err != nil {
			return false
		}
		return d.Epoch == epoch && d.Threshold == 2 && len(d.Members) == 3
	}, time.Minute, 250*time.Millisecond)
}
