// Package main 提供基于 overlay 的终端聊天程序
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	overlay "github.com/dep2p/go-overlay"
	"github.com/dep2p/go-overlay/internal/util/logger"
)

var log = logger.Logger("chat")

var (
	listenAddr  = flag.String("listen", "0.0.0.0:0", "监听地址 host:port")
	keyFile     = flag.String("key", ".overlay-key", "身份密钥文件路径")
	dataDir     = flag.String("data", "", "数据目录（路由表持久化），为空时不持久化")
	metricsAddr = flag.String("metrics", "", "/metrics 监听地址，为空时不启动")
	logFile     = flag.String("log", "", "日志文件路径，为空时输出到 stderr")
	topic       = flag.String("topic", "chat", "聊天主题")
	showVersion = flag.Bool("version", false, "显示版本信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "用法: %s [flags] [seed-addr ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(overlay.VersionInfo())
		return nil
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []overlay.Option{
		overlay.WithListenAddrs(*listenAddr),
		overlay.WithKeyFile(*keyFile),
		overlay.WithDataDir(*dataDir),
		overlay.WithMetricsAddr(*metricsAddr),
	}

	node, err := overlay.Start(ctx, opts...)
	if err != nil {
		return err
	}
	defer node.Close()

	printNotice(os.Stdout, "节点 %s", node.ID())
	for _, addr := range node.Addrs() {
		printNotice(os.Stdout, "监听 %s", addr)
	}

	// 种子不可达时继续运行，等待其他节点连入
	if seeds := flag.Args(); len(seeds) > 0 {
		err := node.Bootstrap(ctx, seeds)
		switch {
		case errors.Is(err, overlay.ErrBootstrapFailed):
			printNotice(os.Stdout, "种子均不可达，以独立节点运行")
			log.Warn("引导失败", "seeds", seeds, "err", err)
		case err != nil:
			return err
		default:
			printNotice(os.Stdout, "已连接种子，已知节点 %d", node.KnownPeerCount())
		}
	}

	sub, err := node.Subscribe(*topic)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	go receive(ctx, node, sub)

	if err := waitForPeers(ctx, node, *topic); err != nil {
		return nil
	}
	printNotice(os.Stdout, "已加入 %s，输入消息后回车发送", *topic)

	return send(ctx, node, *topic)
}

// waitForPeers 等待至少一个其他订阅者
func waitForPeers(ctx context.Context, node *overlay.Node, topic string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	announced := false
	for len(node.TopicPeers(topic)) == 0 {
		if !announced {
			printNotice(os.Stdout, "等待 %s 的其他订阅者...", topic)
			announced = true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func receive(ctx context.Context, node *overlay.Node, sub *overlay.Subscription) {
	self := node.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, overlay.ErrSubscriptionCancelled) {
				log.Warn("接收消息失败", "err", err)
			}
			return
		}
		if msg.From == self {
			continue
		}
		m, err := decodeChat(msg.Data)
		if err != nil {
			log.Debug("忽略无效消息", "from", msg.From.ShortString(), "err", err)
			continue
		}
		printMessage(os.Stdout, m, false)
	}
}

func send(ctx context.Context, node *overlay.Node, topic string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	from := node.ID().String()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			payload, err := encodeChat(from, line, time.Now())
			if err != nil {
				return err
			}
			if _, err := node.Publish(ctx, topic, payload); err != nil {
				printNotice(os.Stderr, "发送失败: %v", err)
				continue
			}
			m, _ := decodeChat(payload)
			printMessage(os.Stdout, m, true)
		}
	}
}
