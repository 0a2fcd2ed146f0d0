package logging

import (
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
)

// Init 设置全局 handler 和级别。format 为 "json" 时输出 JSON，其余输出文本。
// 级别解析失败时退回 info。
func Init(level, format string) {
	InitWriter(os.Stdout, level, format)
}

func InitWriter(w io.Writer, level, format string) {
	if strings.EqualFold(format, "json") {
		log.SetHandler(json.New(w))
	} else {
		log.SetHandler(text.New(w))
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// Module 返回带 module 字段的 logger
func Module(name string) log.Interface {
	return log.WithField("module", name)
}

// Discard 测试里用，丢弃所有输出
func Discard() log.Interface {
	return &log.Logger{Handler: discard{}, Level: log.FatalLevel}
}

type discard struct{}

func (discard) HandleLog(*log.Entry) error { return nil }
