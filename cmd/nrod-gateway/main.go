package main

import (
	"os"

	"github.com/JonathanMoss/OpenRailDataGateway/internal/app"
	"github.com/JonathanMoss/OpenRailDataGateway/internal/config"
)

const name = "nrod-gateway"

func main() {
	config.MustInit(name)
	if err := app.MustNewApp(name).Run(); err != nil {
		os.Exit(1)
	}
}
