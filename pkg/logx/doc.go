// Package logx is the logging layer: a value-type Logger over zerolog with a
// reloadable Service behind it. The Service fans out to a console writer, a
// size-rotated JSON file and an optional rate-limited Telegram chat.
package logx
