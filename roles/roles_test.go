// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package roles

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func TestGrantRevoke(t *testing.T) {
	require := require.New(t)

	auth := NewAuthorizer()
	addr := ids.GenerateTestShortID()

	require.False(auth.HasRole(addr, Liquidator))
	require.ErrorIs(auth.Require(addr, Liquidator), ErrNotAuthorized)

	auth.Grant(addr, Liquidator)
	require.True(auth.HasRole(addr, Liquidator))
	require.NoError(auth.Require(addr, Liquidator))
	require.False(auth.HasRole(addr, Governor))

	// Roles are independent bits.
	auth.Grant(addr, Governor)
	require.True(auth.HasRole(addr, Liquidator))
	require.True(auth.HasRole(addr, Governor))

	auth.Revoke(addr, Liquidator)
	require.False(auth.HasRole(addr, Liquidator))
	require.True(auth.HasRole(addr, Governor))
}

func TestWhitelist(t *testing.T) {
	require := require.New(t)

	auth := NewAuthorizer()
	addr := ids.GenerateTestShortID()

	require.False(auth.IsWhitelisted(addr))
	auth.AddToWhitelist(addr)
	require.True(auth.IsWhitelisted(addr))
	auth.RemoveFromWhitelist(addr)
	require.False(auth.IsWhitelisted(addr))
}
