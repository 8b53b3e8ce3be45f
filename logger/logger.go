package logger

import (
	"fmt"
	"log"
	"os"
)

type Logger struct {
	info        *log.Logger
	warning     *log.Logger
	errorLogger *log.Logger
	debug       *log.Logger
	active      bool
}

var MILogger Logger

func InitializeLogger(active bool, logfilename string) {
	if active {

		file, err := os.OpenFile(logfilename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			log.Fatal(err)
		}

		info := log.New(file, "MIForensics|INFO: ", log.Ldate|log.Ltime)
		warning := log.New(file, "MIForensics|WARNING: ", log.Ldate|log.Ltime)
		errorLogger := log.New(file, "MIForensics|ERROR: ", log.Ldate|log.Ltime)
		debug := log.New(file, "MIForensics|DEBUG: ", log.Ldate|log.Ltime)
		MILogger = Logger{info: info, warning: warning, errorLogger: errorLogger, debug: debug, active: active}
	} else {
		MILogger = Logger{active: active}
	}

}

func (logger Logger) Info(msg string) {
	if logger.active {
		logger.info.Println(msg)
	}
}

func (logger Logger) Infof(format string, v ...any) {
	if logger.active {
		logger.info.Println(fmt.Sprintf(format, v...))
	}
}

func (logger Logger) Error(msg any) {
	if logger.active {
		logger.errorLogger.Println(msg)
	}
}

func (logger Logger) Warning(msg string) {
	if logger.active {
		logger.warning.Println(msg)
	}
}

func (logger Logger) Warningf(format string, v ...any) {
	if logger.active {
		logger.warning.Println(fmt.Sprintf(format, v...))
	}
}

func (logger Logger) Debug(msg string) {
	if logger.active {
		logger.debug.Println(msg)
	}
}
