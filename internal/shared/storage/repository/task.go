package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
)

const taskColumns = `task_id, repository_id, repository_name, repository_url, branch, commit_sha, status,
	container_id, exit_code, result, error_message, created_at, started_at, finished_at`

// SaveTask 插入或更新任务
//
// 冲突更新仅在已有记录仍处于 PENDING / RUNNING 时生效，终态记录不会被回写。
func (s *Store) SaveTask(ctx context.Context, task *model.Task) error {
	query := s.rebind(`
		INSERT INTO tasks (` + taskColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15)
		` + s.dialect.UpsertConflict("task_id", []string{
		"status = excluded.status",
		"container_id = excluded.container_id",
		"exit_code = excluded.exit_code",
		"result = excluded.result",
		"error_message = excluded.error_message",
		"started_at = excluded.started_at",
		"finished_at = excluded.finished_at",
		"updated_at = excluded.updated_at",
	}) + `
		WHERE tasks.status IN ('pending', 'running')`)

	var exitCode sql.NullInt64
	if task.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*task.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.RepositoryID, task.RepositoryName, task.RepositoryURL, task.Branch, task.CommitSHA,
		string(task.Status), task.RuntimeInstanceID, exitCode, jsonArg(task.Result), task.ErrorMessage,
		task.CreatedAt.UTC(), timeArg(task.StartedAt), timeArg(task.FinishedAt), s.now())
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask 获取任务
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE task_id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// ListTasks 按创建时间倒序列出任务
func (s *Store) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*model.Task, error) {
	var conditions []string
	var args []interface{}
	if filter.RepositoryID != "" {
		args = append(args, filter.RepositoryID)
		conditions = append(conditions, fmt.Sprintf("repository_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, task_id DESC LIMIT $%d", len(args))

	return s.queryTasks(ctx, s.rebind(query), args...)
}

// ListActiveTasks 列出所有未结束任务（启动恢复使用）
func (s *Store) ListActiveTasks(ctx context.Context) ([]*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ('pending', 'running') ORDER BY created_at`)
	return s.queryTasks(ctx, query)
}

// LatestTask 获取仓库最近一次任务
func (s *Store) LatestTask(ctx context.Context, repositoryID string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE repository_id = $1 ORDER BY created_at DESC, task_id DESC LIMIT 1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, repositoryID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask 辅助函数：从数据库行扫描 Task
func scanTask(row scanner) (*model.Task, error) {
	task := &model.Task{}
	var name, url, branch, sha, containerID, errMsg sql.NullString
	var status string
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	var raw []byte
	result := NullableJSON{Data: &raw}

	err := row.Scan(&task.ID, &task.RepositoryID, &name, &url, &branch, &sha, &status,
		&containerID, &exitCode, result.Data, &errMsg, &task.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	task.RepositoryName = name.String
	task.RepositoryURL = url.String
	task.Branch = branch.String
	task.CommitSHA = sha.String
	task.Status = model.TaskStatus(status)
	task.RuntimeInstanceID = containerID.String
	task.ErrorMessage = errMsg.String
	task.Result = result.Value()
	task.CreatedAt = task.CreatedAt.UTC()
	task.StartedAt = timePtr(startedAt)
	task.FinishedAt = timePtr(finishedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	return task, nil
}
