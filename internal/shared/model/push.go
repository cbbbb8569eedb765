package model

// GitProvider Git 托管平台
type GitProvider string

const (
	ProviderGitea  GitProvider = "gitea"
	ProviderGitHub GitProvider = "github"
	ProviderGitLab GitProvider = "gitlab"
)

// Valid 是否为支持的平台
func (p GitProvider) Valid() bool {
	switch p {
	case ProviderGitea, ProviderGitHub, ProviderGitLab:
		return true
	}
	return false
}

// PushEvent 各平台统一的 push 事件
//
// 由 webhook 层完成签名校验和解析，调度器直接信任其内容。
type PushEvent struct {
	Provider       GitProvider `json:"provider"`
	RepositoryURL  string      `json:"repository_url"`
	RepositoryName string      `json:"repository_name"`
	Branch         string      `json:"branch"`
	CommitSHA      string      `json:"commit_sha"`
	CommitMessage  string      `json:"commit_message,omitempty"`
	Pusher         string      `json:"pusher,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
}

// RepositoryID 仓库 ID
func (e *PushEvent) RepositoryID() string {
	return RepositoryID(e.RepositoryName)
}

// ShortSHA 返回 7 位短 SHA
func (e *PushEvent) ShortSHA() string {
	return ShortSHA(e.CommitSHA)
}

// ShortSHA 截取 7 位短 SHA
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
