package logger

import (
	"io"
)

// MockLogger writes everything at trace level to the given writers, which in
// tests is usually GinkgoWriter.
func MockLogger(writers ...io.Writer) *Logger {
	config := &Config{
		LogLevel:       Trace,
		ConsoleWriters: writers,
	}

	if logger, err := New(config); err == nil {
		return logger
	}
	return nil
}
