package sink

import (
	"context"
	"fmt"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// ObjectWriter 对象存储写入接口，由 objstore.Client 实现
type ObjectWriter interface {
	PutJSON(ctx context.Context, key string, data []byte) error
}

// ArtifactSink 归档成功任务的统计结果
type ArtifactSink struct {
	objects ObjectWriter
	keyFunc func(repositoryID, taskID string) string
}

// NewArtifactSink 创建结果归档 Sink，keyFunc 决定对象键
func NewArtifactSink(objects ObjectWriter, keyFunc func(repositoryID, taskID string) string) *ArtifactSink {
	return &ArtifactSink{objects: objects, keyFunc: keyFunc}
}

// Record 仅归档 SUCCESS 且带结果的任务
func (a *ArtifactSink) Record(ctx context.Context, task *model.Task) error {
	if task.Status != model.TaskStatusSuccess || len(task.Result) == 0 {
		return nil
	}
	key := a.keyFunc(task.RepositoryID, task.ID)
	if err := a.objects.PutJSON(ctx, key, task.Result); err != nil {
		return fmt.Errorf("archive result of %s: %w", task.ID, err)
	}
	return nil
}
