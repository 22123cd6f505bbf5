package csidriver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/container-storage-interface/spec/lib/go/csi"
)

func TestVolumeModeName(t *testing.T) {
	block := &csi.VolumeCapability{
		AccessType: &csi.VolumeCapability_Block{Block: &csi.VolumeCapability_BlockVolume{}},
	}
	mount := &csi.VolumeCapability{
		AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
	}
	assert.Equal(t, "Block", VolumeModeName(block))
	assert.Equal(t, "Filesystem", VolumeModeName(mount))
}

func TestAccessModeNamesDeduplicates(t *testing.T) {
	caps := []*csi.VolumeCapability{
		{AccessMode: &csi.VolumeCapability_AccessMode{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER}},
		{AccessMode: &csi.VolumeCapability_AccessMode{Mode: csi.VolumeCapability_AccessMode_MULTI_NODE_SINGLE_WRITER}},
		{AccessMode: &csi.VolumeCapability_AccessMode{Mode: csi.VolumeCapability_AccessMode_MULTI_NODE_MULTI_WRITER}},
	}
	names, err := AccessModeNames(caps)
	require.NoError(t, err)
	assert.Equal(t, []string{"ReadWriteOnce", "ReadWriteMany"}, names)
}

func TestIdentityAdvertisesControllerServiceOnlyWhenAsked(t *testing.T) {
	ctx := context.Background()

	controller := NewIdentityServer("my-prov", true)
	info, err := controller.GetPluginInfo(ctx, &csi.GetPluginInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, "my-prov", info.Name)

	caps, err := controller.GetPluginCapabilities(ctx, &csi.GetPluginCapabilitiesRequest{})
	require.NoError(t, err)
	require.Len(t, caps.Capabilities, 1)

	node := NewIdentityServer("my-prov", false)
	caps, err = node.GetPluginCapabilities(ctx, &csi.GetPluginCapabilitiesRequest{})
	require.NoError(t, err)
	assert.Empty(t, caps.Capabilities)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done
	km.Unlock("a")

	// Same key serialises.
	km.Lock("a")
	km.Unlock("a")
}
