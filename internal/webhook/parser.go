// Package webhook Git 托管平台 push 事件接入：payload 解析、签名校验、提交调度
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

const branchRefPrefix = "refs/heads/"

// Parser 平台 payload 解析器
type Parser interface {
	// Provider 平台类型
	Provider() model.GitProvider
	// Parse 解析 payload，非 push 事件返回 (nil, nil)
	Parse(body []byte) (*model.PushEvent, error)
	// Signature 从请求头读取签名
	Signature(h http.Header) string
	// Verify 校验签名
	Verify(body []byte, signature, secret string) bool
}

// NewParser 按平台创建解析器
func NewParser(provider model.GitProvider) (Parser, error) {
	switch provider {
	case model.ProviderGitea:
		return giteaParser{}, nil
	case model.ProviderGitHub:
		return githubParser{}, nil
	case model.ProviderGitLab:
		return gitlabParser{}, nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", provider)
}

// ========== payload 结构 ==========

type commitPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type pushPayload struct {
	Ref        string          `json:"ref"`
	After      string          `json:"after"`
	Commits    []commitPayload `json:"commits"`
	HeadCommit *commitPayload  `json:"head_commit"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"pusher"`

	// GitLab
	UserName string `json:"user_name"`
	Project  struct {
		GitHTTPURL        string `json:"git_http_url"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

func decodePush(body []byte) (*pushPayload, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return &p, nil
}

// branch 非分支 ref（tag 等）返回 false
func (p *pushPayload) branch() (string, bool) {
	if !strings.HasPrefix(p.Ref, branchRefPrefix) {
		return "", false
	}
	return strings.TrimPrefix(p.Ref, branchRefPrefix), true
}

func (p *pushPayload) lastCommit() commitPayload {
	if len(p.Commits) == 0 {
		return commitPayload{}
	}
	return p.Commits[len(p.Commits)-1]
}

// hmacHex 计算 hex 编码的 HMAC-SHA256
func hmacHex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalConstantTime(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// ========== Gitea ==========

type giteaParser struct{}

func (giteaParser) Provider() model.GitProvider { return model.ProviderGitea }

func (giteaParser) Parse(body []byte) (*model.PushEvent, error) {
	p, err := decodePush(body)
	if err != nil {
		return nil, err
	}
	branch, ok := p.branch()
	if !ok {
		return nil, nil
	}
	last := p.lastCommit()
	return &model.PushEvent{
		Provider:       model.ProviderGitea,
		RepositoryURL:  p.Repository.CloneURL,
		RepositoryName: p.Repository.FullName,
		Branch:         branch,
		CommitSHA:      p.After,
		CommitMessage:  last.Message,
		Pusher:         p.Pusher.Username,
		Timestamp:      last.Timestamp,
	}, nil
}

func (giteaParser) Signature(h http.Header) string {
	return h.Get("X-Gitea-Signature")
}

func (giteaParser) Verify(body []byte, signature, secret string) bool {
	return equalConstantTime(signature, hmacHex(body, secret))
}

// ========== GitHub ==========

type githubParser struct{}

func (githubParser) Provider() model.GitProvider { return model.ProviderGitHub }

func (githubParser) Parse(body []byte) (*model.PushEvent, error) {
	p, err := decodePush(body)
	if err != nil {
		return nil, err
	}
	branch, ok := p.branch()
	if !ok {
		return nil, nil
	}
	var head commitPayload
	if p.HeadCommit != nil {
		head = *p.HeadCommit
	}
	return &model.PushEvent{
		Provider:       model.ProviderGitHub,
		RepositoryURL:  p.Repository.CloneURL,
		RepositoryName: p.Repository.FullName,
		Branch:         branch,
		CommitSHA:      p.After,
		CommitMessage:  head.Message,
		Pusher:         p.Pusher.Name,
		Timestamp:      head.Timestamp,
	}, nil
}

func (githubParser) Signature(h http.Header) string {
	return h.Get("X-Hub-Signature-256")
}

func (githubParser) Verify(body []byte, signature, secret string) bool {
	return equalConstantTime(signature, "sha256="+hmacHex(body, secret))
}

// ========== GitLab ==========

type gitlabParser struct{}

func (gitlabParser) Provider() model.GitProvider { return model.ProviderGitLab }

func (gitlabParser) Parse(body []byte) (*model.PushEvent, error) {
	p, err := decodePush(body)
	if err != nil {
		return nil, err
	}
	branch, ok := p.branch()
	if !ok {
		return nil, nil
	}
	last := p.lastCommit()
	return &model.PushEvent{
		Provider:       model.ProviderGitLab,
		RepositoryURL:  p.Project.GitHTTPURL,
		RepositoryName: p.Project.PathWithNamespace,
		Branch:         branch,
		CommitSHA:      p.After,
		CommitMessage:  last.Message,
		Pusher:         p.UserName,
		Timestamp:      last.Timestamp,
	}, nil
}

func (gitlabParser) Signature(h http.Header) string {
	return h.Get("X-Gitlab-Token")
}

// Verify GitLab 使用共享 token，直接比较
func (gitlabParser) Verify(_ []byte, signature, secret string) bool {
	return equalConstantTime(signature, secret)
}
