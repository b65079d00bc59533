package idedaemon

import (
	"context"
	"testing"

	servermanager "github.com/cortexdata/ide-daemon/src/ided/controller/server-manager"
	"github.com/cortexdata/ide-daemon/src/ided/entity"
	"github.com/cortexdata/ide-daemon/src/ided/factory"
	"github.com/cortexdata/ide-daemon/src/ided/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartServer(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		r, _, _, _, _ := newTestRouter()

		replier := &recordingReplier{}
		req := factory.JSONRPCRequest(MethodServerStart, nil)
		err := r.HandleReq(ctx, replier.reply, req)
		require.NoError(t, err)

		result, ok := replier.result.(*startServerResult)
		require.True(t, ok)
		assert.Equal(t, "http://localhost:10000", result.URL)
	})

	t.Run("no free port surfaces a dialog", func(t *testing.T) {
		r, _, _, runner, ide := newTestRouter()
		runner.startFn = func(ctx context.Context) (string, error) {
			return "", &errors.NoAvailablePortError{RangeStart: 10000, RangeCount: 10}
		}

		req := factory.JSONRPCRequest(MethodServerStart, nil)
		err := r.HandleReq(ctx, newMockReplier(), req)
		assert.Error(t, err)
		require.Len(t, ide.messages, 1)
	})
}

func TestStopServer(t *testing.T) {
	ctx := context.Background()
	r, _, _, runner, _ := newTestRouter()

	req := factory.JSONRPCRequest(MethodServerStop, stopServerParams{URL: "http://localhost:10000"})
	err := r.HandleReq(ctx, newMockReplier(), req)
	assert.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:10000"}, runner.stopped)
}

func TestRefreshServers(t *testing.T) {
	ctx := context.Background()
	r, manager, _, _, _ := newTestRouter()
	manager.servers = []servermanager.ServerStatus{
		{
			Descriptor: entity.ServerDescriptor{
				URL:             "http://localhost:10000",
				Kind:            entity.ServerKindCore,
				IsRunning:       true,
				IsManaged:       true,
				ConnectionCount: 1,
			},
			State: servermanager.StateRunning,
		},
		{
			Descriptor: entity.ServerDescriptor{URL: "https://analytics.example.com", Kind: entity.ServerKindEnterprise},
			State:      servermanager.StateUnreachable,
		},
	}

	replier := &recordingReplier{}
	req := factory.JSONRPCRequest(MethodServerRefresh, nil)
	err := r.HandleReq(ctx, replier.reply, req)
	require.NoError(t, err)

	result, ok := replier.result.([]serverStatusResult)
	require.True(t, ok)
	require.Len(t, result, 2)
	assert.Equal(t, "http://localhost:10000", result[0].URL)
	assert.Equal(t, string(servermanager.StateRunning), result[0].State)
	assert.True(t, result[0].IsManaged)
	assert.Equal(t, 1, result[0].ConnectionCount)
	assert.Equal(t, string(entity.ServerKindEnterprise), result[1].Kind)

	// The sweep waits on panel visibility.
	assert.Equal(t, 0, manager.statusCalls)
	assert.Equal(t, 1, r.pendingLoad.PendingCount(PanelServers))
}

func TestPanelVisible(t *testing.T) {
	ctx := context.Background()
	r, manager, _, _, _ := newTestRouter()

	// Queue a sweep while hidden, then reveal the panel.
	req := factory.JSONRPCRequest(MethodServerRefresh, nil)
	require.NoError(t, r.HandleReq(ctx, newMockReplier(), req))
	assert.Equal(t, 0, manager.statusCalls)

	show := factory.JSONRPCRequest(MethodPanelVisible, panelVisibleParams{Panel: string(PanelServers), Visible: true})
	require.NoError(t, r.HandleReq(ctx, newMockReplier(), show))
	assert.Equal(t, 1, manager.statusCalls)
	assert.Equal(t, 0, r.pendingLoad.PendingCount(PanelServers))

	// Visible panels sweep immediately.
	require.NoError(t, r.HandleReq(ctx, newMockReplier(), req))
	assert.Equal(t, 2, manager.statusCalls)

	hide := factory.JSONRPCRequest(MethodPanelVisible, panelVisibleParams{Panel: string(PanelServers), Visible: false})
	require.NoError(t, r.HandleReq(ctx, newMockReplier(), hide))
	require.NoError(t, r.HandleReq(ctx, newMockReplier(), req))
	assert.Equal(t, 2, manager.statusCalls)
	assert.Equal(t, 1, r.pendingLoad.PendingCount(PanelServers))
}
