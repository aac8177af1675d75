// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"fmt"
	"net"

	"github.com/katzenpost/quorumnet/core/pki"
)

// onEpoch rotates the hop keys and replay windows into epoch.
func (s *Server) onEpoch(epoch uint64) {
	s.log.Infof("Entering epoch %d.", epoch)

	didGenerate, err := s.mixKeys.Generate(epoch)
	if err != nil {
		s.log.Errorf("Failed to generate mix keys for epoch %d: %v", epoch, err)
	}
	didPrune := s.mixKeys.Prune(epoch)
	if didGenerate || didPrune {
		s.reshadowCryptoWorkers()
	}
	if err = s.replay.Rotate(epoch); err != nil {
		s.log.Errorf("Failed to rotate replay window: %v", err)
	}
}

// advertisedAddresses returns the configured addresses, with the bound
// address substituted for the first one if it asked for any port.
func (s *Server) advertisedAddresses() []string {
	addrs := append([]string(nil), s.cfg.Server.Addresses...)
	if _, port, err := net.SplitHostPort(addrs[0]); err == nil && port == "0" {
		addrs[0] = s.transport.Addr()
	}
	return addrs
}

// descriptor returns the relay descriptor for epoch.
func (s *Server) descriptor(epoch uint64) (*pki.RelayDescriptor, error) {
	k, ok := s.mixKeys.Get(epoch)
	if !ok {
		return nil, fmt.Errorf("server: no mix key for epoch %d", epoch)
	}
	defer k.Deref()

	desc := &pki.RelayDescriptor{
		Version:      pki.DescriptorVersion,
		Name:         s.cfg.Server.Identifier,
		Epoch:        epoch,
		Suite:        s.geo.Suite().String(),
		Addresses:    s.advertisedAddresses(),
		QuorumMember: s.cfg.Server.IsQuorumMember,
	}
	var err error
	if desc.IdentityKey, err = s.identityPublicKey.MarshalBinary(); err != nil {
		return nil, err
	}
	pub := k.PublicKeys()
	desc.NIKEKey = pub.NIKE.Bytes()
	if pub.KEM != nil {
		if desc.KEMKey, err = pub.KEM.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	return desc, pki.IsDescriptorWellFormed(desc)
}

func (s *Server) publishDescriptor(ctx context.Context, epoch uint64) error {
	desc, err := s.descriptor(epoch)
	if err != nil {
		return err
	}
	return s.directory.Publish(ctx, s.identityKey, desc)
}
