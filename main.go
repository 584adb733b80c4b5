package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/smavisor/gosma/flag"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	zap.ReplaceGlobals(logger)

	if err := flag.Parse(); err != nil {
		logger.Error("gosma failed", zap.Error(err))
		os.Exit(1)
	}
}
