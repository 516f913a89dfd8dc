package main

import (
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"torrentswarm/config"
	"torrentswarm/db"
)

const VERSION = "0.1.0"

var CLI struct {
	Verify struct {
		Torrent     string `arg:"" help:"Torrent file to verify." type:"existingfile"`
		ContentPath string `arg:"" optional:"" help:"Path to the content files." type:"existingdir"`
	} `cmd:"" help:"Verify a torrent file against content already on disk."`
	Download struct {
		Torrent string `arg:"" help:"Torrent file to download." type:"existingfile"`
	} `cmd:"" help:"Download a torrent's content from the swarm."`
	Seed struct {
		Torrent     string `arg:"" help:"Torrent file to seed." type:"existingfile"`
		ContentPath string `arg:"" help:"Path to the already-downloaded content." type:"existingdir"`
	} `cmd:"" help:"Serve already-verified content to the swarm without downloading."`
	Resume struct {
		Torrent string `arg:"" help:"Torrent file to resume." type:"existingfile"`
	} `cmd:"" help:"Resume a download, reusing whatever bytes are already on disk."`
}

var mainDB *db.Database

func main() {
	println("torrentswarm v" + VERSION)
	initConfig()
	initLogging()
	defer shutdownLogging()

	ctx := kong.Parse(&CLI)
	cmd := ctx.Command()

	var err error
	switch cmd {
	case "verify <torrent> <content-path>":
		err = VerifyTorrent(CLI.Verify.Torrent, CLI.Verify.ContentPath)
		if err == nil {
			println("Torrent verified successfully.")
		}
	case "download <torrent>":
		initDB()
		defer mainDB.Close()
		err = DownloadTorrent(CLI.Download.Torrent)
	case "seed <torrent> <content-path>":
		initDB()
		defer mainDB.Close()
		err = SeedTorrent(CLI.Seed.Torrent, CLI.Seed.ContentPath)
	case "resume <torrent>":
		initDB()
		defer mainDB.Close()
		err = ResumeTorrent(CLI.Resume.Torrent)
	default:
		ctx.PrintUsage(false)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		os.Exit(1)
	}
}

func initConfig() {
	if err := os.MkdirAll(config.Main.CacheDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.CacheDir).Msg("failed to create cache directory")
	}
	if err := os.MkdirAll(config.Main.DownloadDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.DownloadDir).Msg("failed to create download directory")
	}
	if err := os.MkdirAll(filepath.Dir(config.Main.DB.Path), os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.DB.Path).Msg("failed to create database directory")
	}
}

func initDB() {
	var err error
	mainDB, err = db.Init()
	if err != nil {
		log.Fatal().Err(err).Msg("error initializing database")
	}
}
