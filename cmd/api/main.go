package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jun/gdrive-notifier/internal/app"
	"github.com/jun/gdrive-notifier/internal/logging"
)

func main() {
	logging.Init()
	application := app.NewApp(context.Background())
	lambda.Start(application.HandleRequest)
}
