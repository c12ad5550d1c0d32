/*************************************************************************
 * micctrl — coprocessor fleet provisioning and lifecycle controller
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package action

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coprocfleet/micctrl/config"
)

func TestBridgeKindFromArg(t *testing.T) {
	k, err := bridgeKindFromArg("internal")
	require.NoError(t, err)
	require.Equal(t, config.BridgeInternal, k)

	k, err = bridgeKindFromArg("External-DHCP")
	require.NoError(t, err)
	require.Equal(t, config.BridgeExternalDHCP, k)

	k, err = bridgeKindFromArg("externalstatic")
	require.NoError(t, err)
	require.Equal(t, config.BridgeExternalStatic, k)

	_, err = bridgeKindFromArg("bogus")
	require.Error(t, err)
}

func TestSplitBridgeCIDR(t *testing.T) {
	ip, prefix, err := splitBridgeCIDR("172.31.1.1/24")
	require.NoError(t, err)
	require.Equal(t, "172.31.1.1", ip)
	require.Equal(t, 24, prefix)

	ip, prefix, err = splitBridgeCIDR("172.31.1.1")
	require.NoError(t, err)
	require.Equal(t, "172.31.1.1", ip)
	require.Equal(t, 0, prefix)

	_, _, err = splitBridgeCIDR("not-an-ip")
	require.Error(t, err)
}

func TestParseBridgeArgsDHCP(t *testing.T) {
	br, err := parseBridgeArgs([]string{"mic-br0", "external-dhcp", "dhcp"})
	require.NoError(t, err)
	require.Equal(t, "mic-br0", br.Name)
	require.Equal(t, config.BridgeExternalDHCP, br.Kind)
	require.Equal(t, "", br.IP)
}

func TestParseBridgeArgsStaticWithMTU(t *testing.T) {
	br, err := parseBridgeArgs([]string{"mic-br1", "internal", "172.31.1.1/24", "1500"})
	require.NoError(t, err)
	require.Equal(t, "172.31.1.1", br.IP)
	require.Equal(t, 24, br.PrefixBits)
	require.Equal(t, 1500, br.MTU)
}

func TestActionAddBridgeRequiresTwoToFourArgs(t *testing.T) {
	require.Error(t, actionAddBridge(nil, nil, []string{"mic-br0"}))
	require.Error(t, actionAddBridge(nil, nil, []string{"mic-br0", "internal", "172.31.1.1", "1500", "extra"}))
}

func TestActionDelBridgeRequiresExactlyOneArg(t *testing.T) {
	require.Error(t, actionDelBridge(nil, nil, nil))
	require.Error(t, actionDelBridge(nil, nil, []string{"a", "b"}))
}

func TestActionNetworkRequiresAtLeastOneArg(t *testing.T) {
	require.Error(t, actionNetwork(nil, nil, nil))
}

func TestActionSSHKeysRequiresExactlyOneArg(t *testing.T) {
	require.Error(t, actionSSHKeys(nil, nil, nil))
	require.Error(t, actionSSHKeys(nil, nil, []string{"a", "b"}))
}

func TestBridgeTableDelete(t *testing.T) {
	bt := config.NewBridgeTable()
	bt.Put(config.Bridge{Name: "mic-br0", Kind: config.BridgeInternal})
	require.Equal(t, 1, bt.Len())
	bt.Delete("mic-br0")
	require.Equal(t, 0, bt.Len())
	_, ok := bt.Lookup("mic-br0")
	require.False(t, ok)
}
