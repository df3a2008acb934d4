package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/conf"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/engine"
)

const help = `
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定my.ini配置文件
******************************************************************************************
`

func main() {
	var (
		configPath string
		showHelp   bool
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.BoolVar(&showHelp, "help", false, "帮助")
	flag.Parse()
	if showHelp {
		fmt.Print(help)
		return
	}

	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
		MaxSizeMB:    config.LogMaxSizeMB,
		MaxBackups:   config.LogMaxBackups,
		MaxAgeDays:   config.LogMaxAgeDays,
	}); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	e, err := engine.NewXMySQLEngine(config)
	if err != nil {
		logger.Fatalf("init engine: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Start(ctx)
	logger.Infof("row engine started, purge every %v with %d threads", config.PurgeInterval, config.PurgeThreads)
	<-ctx.Done()
	e.Close()
}
