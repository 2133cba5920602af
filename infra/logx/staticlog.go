package logx

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 进程级静态logger, 默认输出stderr; InitFile后写滚动日志文件
var Log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// InitFile 切换到滚动文件输出, alsoStderr=true时同时打到stderr
func InitFile(path string, alsoStderr bool) {
	rot := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    64, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	if alsoStderr {
		Log.SetOutput(io.MultiWriter(os.Stderr, rot))
	} else {
		Log.SetOutput(rot)
	}
}

func SetLevel(lv logrus.Level) {
	Log.SetLevel(lv)
}
