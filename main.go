package main

import (
	"embed"
	"io/fs"
	"log"

	"github.com/joho/godotenv"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:frontend
var assets embed.FS

func main() {
	_ = godotenv.Load()

	frontend, err := fs.Sub(assets, "frontend")
	if err != nil {
		log.Fatalf("frontend assets: %v", err)
	}

	app := NewApp()
	err = wails.Run(&options.App{
		Title:     "CareNote",
		Width:     920,
		Height:    640,
		MinWidth:  480,
		MinHeight: 360,
		AssetServer: &assetserver.Options{
			Assets: frontend,
		},
		OnStartup:  app.startup,
		OnShutdown: app.shutdown,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		log.Fatalf("wails: %v", err)
	}
}
