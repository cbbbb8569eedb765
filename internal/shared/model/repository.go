package model

import (
	"fmt"
	"strings"
	"time"
)

// 统计输出格式
const (
	OutputFormatJSON = "json"
	OutputFormatCSV  = "csv"
	OutputFormatYAML = "yaml"
)

// DefaultTaskTimeout 全局默认任务超时
const DefaultTaskTimeout = 600 * time.Second

// ClocConfig 统计工具参数
type ClocConfig struct {
	ExcludeExt   []string `json:"exclude_ext,omitempty"`
	ExcludeLang  []string `json:"exclude_lang,omitempty"`
	IncludeExt   []string `json:"include_ext,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	UseGitignore *bool    `json:"use_gitignore,omitempty"`
	// Timeout 任务超时（秒），0 表示使用全局默认值
	Timeout int `json:"timeout,omitempty"`
}

// DefaultClocConfig 默认统计参数
func DefaultClocConfig() ClocConfig {
	useGitignore := true
	return ClocConfig{
		OutputFormat: OutputFormatJSON,
		UseGitignore: &useGitignore,
	}
}

// Args 转换为统计工具命令行参数
func (c ClocConfig) Args() []string {
	var args []string
	if len(c.ExcludeExt) > 0 {
		args = append(args, "--exclude-ext", strings.Join(c.ExcludeExt, ","))
	}
	if len(c.ExcludeLang) > 0 {
		args = append(args, "--exclude-lang", strings.Join(c.ExcludeLang, ","))
	}
	if len(c.IncludeExt) > 0 {
		args = append(args, "--include-ext", strings.Join(c.IncludeExt, ","))
	}
	switch c.format() {
	case OutputFormatJSON:
		args = append(args, "--json")
	case OutputFormatCSV:
		args = append(args, "--csv")
	case OutputFormatYAML:
		args = append(args, "--yaml")
	}
	return args
}

// GitignoreEnabled 是否遵循 .gitignore（未设置时默认开启）
func (c ClocConfig) GitignoreEnabled() bool {
	return c.UseGitignore == nil || *c.UseGitignore
}

// TimeoutDuration 返回任务超时，未配置时使用 fallback
func (c ClocConfig) TimeoutDuration(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout) * time.Second
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTaskTimeout
}

// Validate 校验输出格式与超时
func (c ClocConfig) Validate() error {
	switch c.format() {
	case OutputFormatJSON, OutputFormatCSV, OutputFormatYAML:
	default:
		return fmt.Errorf("unsupported output_format %q", c.OutputFormat)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

func (c ClocConfig) format() string {
	if c.OutputFormat == "" {
		return OutputFormatJSON
	}
	return strings.ToLower(c.OutputFormat)
}

// Repository 仓库配置
//
// 由外部配置方维护，调度器只读取其快照。
type Repository struct {
	ID   string `json:"repository_id"`
	Name string `json:"repository_name"`
	URL  string `json:"repository_url"`

	// MainBranch 指定主分支，为空时 main / master 均视为主分支
	MainBranch string `json:"main_branch,omitempty"`

	ClocConfig    *ClocConfig `json:"cloc_config,omitempty"`
	WebhookSecret string      `json:"-"`
	Enabled       bool        `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsMainBranch 判断分支是否为该仓库的主分支
func (r *Repository) IsMainBranch(branch string) bool {
	if r != nil && r.MainBranch != "" {
		return branch == r.MainBranch
	}
	return IsDefaultMainBranch(branch)
}

// EffectiveClocConfig 返回仓库统计参数，未配置时返回默认值
func (r *Repository) EffectiveClocConfig() ClocConfig {
	if r == nil || r.ClocConfig == nil {
		return DefaultClocConfig()
	}
	return *r.ClocConfig
}

// IsDefaultMainBranch main / master 视为主分支
func IsDefaultMainBranch(branch string) bool {
	return branch == "main" || branch == "master"
}

// RepositoryID 由仓库全名生成仓库 ID（"/" 与 "." 替换为 "_"）
func RepositoryID(fullName string) string {
	return strings.NewReplacer("/", "_", ".", "_").Replace(fullName)
}
