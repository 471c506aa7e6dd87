package svc

import "errors"

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrFeedInitFailed 错误：行情传输初始化失败
var ErrFeedInitFailed = errors.New("feed initialization failed")
