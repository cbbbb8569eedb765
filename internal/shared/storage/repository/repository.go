package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
)

const repositoryColumns = `repository_id, name, url, main_branch, cloc_config, webhook_secret, enabled, created_at, updated_at`

// UpsertRepository 创建或更新仓库配置（created_at 仅在首次写入时生效）
func (s *Store) UpsertRepository(ctx context.Context, repo *model.Repository) error {
	now := s.now()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	var clocJSON []byte
	if repo.ClocConfig != nil {
		b, err := json.Marshal(repo.ClocConfig)
		if err != nil {
			return fmt.Errorf("marshal cloc config: %w", err)
		}
		clocJSON = b
	}

	query := s.rebind(`
		INSERT INTO repositories (` + repositoryColumns + `)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
		` + s.dialect.UpsertConflict("repository_id", []string{
		"name = excluded.name",
		"url = excluded.url",
		"main_branch = excluded.main_branch",
		"cloc_config = excluded.cloc_config",
		"webhook_secret = excluded.webhook_secret",
		"enabled = excluded.enabled",
		"updated_at = excluded.updated_at",
	}))
	_, err := s.db.ExecContext(ctx, query,
		repo.ID, repo.Name, repo.URL, repo.MainBranch, jsonArg(clocJSON),
		repo.WebhookSecret, repo.Enabled, repo.CreatedAt.UTC(), repo.UpdatedAt)
	return err
}

// GetRepository 获取仓库配置
func (s *Store) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	query := s.rebind(`SELECT ` + repositoryColumns + ` FROM repositories WHERE repository_id = $1`)
	repo, err := scanRepository(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return repo, err
}

// ListRepositories 列出仓库配置，按 ID 排序
func (s *Store) ListRepositories(ctx context.Context, enabledOnly bool) ([]*model.Repository, error) {
	query := `SELECT ` + repositoryColumns + ` FROM repositories`
	if enabledOnly {
		query += ` WHERE enabled = ` + s.dialect.BooleanLiteral(true)
	}
	query += ` ORDER BY repository_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*model.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// DeleteRepository 删除仓库配置（任务历史保留）
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM repositories WHERE repository_id = $1`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanRepository(row scanner) (*model.Repository, error) {
	repo := &model.Repository{}
	var mainBranch, secret sql.NullString
	var enabled sql.NullBool
	var clocJSON NullableJSON
	var raw []byte
	clocJSON.Data = &raw
	err := row.Scan(&repo.ID, &repo.Name, &repo.URL, &mainBranch, clocJSON.Data,
		&secret, &enabled, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	repo.MainBranch = mainBranch.String
	repo.WebhookSecret = secret.String
	repo.Enabled = !enabled.Valid || enabled.Bool
	if v := clocJSON.Value(); v != nil {
		var cfg model.ClocConfig
		if err := json.Unmarshal(v, &cfg); err != nil {
			return nil, fmt.Errorf("decode cloc config of %s: %w", repo.ID, err)
		}
		repo.ClocConfig = &cfg
	}
	repo.CreatedAt = repo.CreatedAt.UTC()
	repo.UpdatedAt = repo.UpdatedAt.UTC()
	return repo, nil
}
