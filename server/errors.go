package server

import "errors"

// 面向客户端的错误：文本直接作为 error 消息下发
var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownType        = errors.New("unknown message type")
	ErrInvalidName        = errors.New("invalid name")
	ErrNameTaken          = errors.New("name taken")
	ErrNotJoined          = errors.New("join first")
	ErrMissingField       = errors.New("missing required field")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrTargetUnavailable  = errors.New("target unavailable")
	ErrTargetOutOfRange   = errors.New("target out of range")
	ErrUnknownToken       = errors.New("unknown or expired token")
	ErrNotMutator         = errors.New("only the mutator may do that")
	ErrMutatorCannotQueue = errors.New("the mutator cannot submit commands")
	ErrQueueFull          = errors.New("command queue full")
	ErrRateLimited        = errors.New("rate limited")
	ErrWorldFull          = errors.New("server full")
	ErrWorldStopped       = errors.New("world stopped")
	ErrTooManyWorlds      = errors.New("too many worlds")
	ErrUnknownWorld       = errors.New("unknown world")
)
