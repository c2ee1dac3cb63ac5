package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"LeoPrime-Chain/sdk/go/leoprime"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "LeoPrime API 地址")
	goal := flag.String("goal", "Build a REST API for a todo app with semantic search", "运行目标")
	flag.Parse()

	client, err := leoprime.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	summary, err := client.StartRun(ctx, *goal)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("started run %s\n", summary.RunID)

	last, err := client.Follow(ctx, summary.RunID, func(ev leoprime.Event) {
		fmt.Printf("[%s] %s\n", ev.Timestamp.Format(time.TimeOnly), ev.Type)
	})
	if err != nil {
		log.Fatal(err)
	}

	run, err := client.GetRun(ctx, summary.RunID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("run %s finished with %s (cost %.2f)\n", run.ID, run.Status, run.TotalCost)
	if last.Type == "error" {
		os.Exit(1)
	}
}
