package registry

import "errors"

// ErrNotFound 任务不在任务表中
var ErrNotFound = errors.New("task not found in registry")
