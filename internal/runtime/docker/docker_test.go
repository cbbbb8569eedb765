package docker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"

	"github.com/zihaoli-cn/codestat-agent/internal/runtime"
)

// TestMapContainerState 测试 Docker 状态映射
func TestMapContainerState(t *testing.T) {
	tests := []struct {
		status string
		want   runtime.InstanceState
	}{
		{"created", runtime.StateCreated},
		{"running", runtime.StateRunning},
		{"restarting", runtime.StateRunning},
		{"paused", runtime.StatePaused},
		{"removing", runtime.StateRemoving},
		{"exited", runtime.StateExited},
		{"dead", runtime.StateStopped},
		{"", runtime.StateUnknown},
		{"bogus", runtime.StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, MapContainerState(tt.status))
		})
	}
}

// TestTranslate_Passthrough 非引擎分类错误原样包装
func TestTranslate_Passthrough(t *testing.T) {
	cause := errors.New("connection refused")
	err := translate(cause, "inspect container %s", "abc")
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, runtime.ErrNotFound)
	assert.Contains(t, err.Error(), "inspect container abc")
}

// TestTranslate_EngineErrors 引擎错误分类只看错误类型，不看消息内容
func TestTranslate_EngineErrors(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  error
	}{
		{"容器不存在", fmt.Errorf("No such container: codestat-team_app: %w", errdefs.ErrNotFound), runtime.ErrNotFound},
		{"名称含 image 的容器不存在", fmt.Errorf("No such container: codestat-org_docker-image-builder: %w", errdefs.ErrNotFound), runtime.ErrNotFound},
		{"名称冲突", fmt.Errorf("Conflict. The container name \"/codestat-org_image\" is already in use: %w", errdefs.ErrConflict), runtime.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate(tt.cause, "inspect container %s", "codestat-x")
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, runtime.ErrImageNotFound)
		})
	}
}

// TestCreateError 创建时的 not found 视为镜像缺失
func TestCreateError(t *testing.T) {
	err := createError(fmt.Errorf("No such image: codestat-worker:latest: %w", errdefs.ErrNotFound), "codestat-team_app")
	assert.ErrorIs(t, err, runtime.ErrImageNotFound)
	assert.Contains(t, err.Error(), "create container codestat-team_app")

	err = createError(fmt.Errorf("name in use: %w", errdefs.ErrConflict), "codestat-team_app")
	assert.ErrorIs(t, err, runtime.ErrConflict)
	assert.NotErrorIs(t, err, runtime.ErrImageNotFound)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
	assert.Equal(t, "abc", shortID("abc"))
}
