package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/TheMichaelB/dealsync/internal/lambda/handler"
)

// Handler instance reused across warm starts.
var h *handler.Handler

func init() {
	var err error
	h, err = handler.NewHandler(context.Background())
	if err != nil {
		log.Fatalf("Failed to initialize handler: %v", err)
	}
}

func handleRequest(ctx context.Context, event handler.Event) (handler.Response, error) {
	return h.ProcessEvent(ctx, event)
}

func main() {
	lambda.Start(handleRequest)
}
