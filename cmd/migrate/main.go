package main

import (
	"database/sql"
	"flag"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose"

	"github.com/nexoriau/modelforu-sub001/internal/logging"
)

func main() {
	_ = godotenv.Load(".env", ".env.local")
	logger := logging.New(os.Getenv("APP_ENV"))

	dir := flag.String("dir", "db/migrations", "directory with migration files")
	flag.Parse()

	command := "up"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal().Msg("migrate: DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate: open database failed")
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal().Err(err).Msg("migrate: set dialect failed")
	}

	var args []string
	if extra := flag.Args(); len(extra) > 1 {
		args = extra[1:]
	}
	if err := goose.Run(command, db, *dir, args...); err != nil {
		logger.Fatal().Err(err).Str("command", command).Msg("migrate: failed")
	}
	logger.Info().Str("command", command).Msg("migrate: done")
}
