// Command skylarkctl exercises the sync engine against a live IMAP
// server: list folders, refresh a summary, fetch bodies, append,
// expunge, or sit in IDLE watching for changes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/skylarkmail/skylark/internal/cache"
	"github.com/skylarkmail/skylark/internal/config"
	"github.com/skylarkmail/skylark/internal/credentials"
	"github.com/skylarkmail/skylark/internal/database"
	"github.com/skylarkmail/skylark/internal/imap"
	"github.com/skylarkmail/skylark/internal/logging"
	"github.com/skylarkmail/skylark/internal/summary"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: skylarkctl -config <file> <command> [args]

commands:
  list                      list folders
  refresh <folder>          sync the folder summary with the server
  fetch <folder> <uid>      fetch a message body into the cache
  copy <folder> <uid> <dst> copy a message to another folder
  append <folder> <file>    append a message file to a folder
  expunge <folder>          sync flags and expunge
  mkdir <folder>            create a folder
  rmdir <folder>            delete a folder
  rename <old> <new>        rename a folder
  idle <folder>             watch a folder until interrupted
`)
	os.Exit(2)
}

func main() {
	args := os.Args[1:]
	configPath := "skylark.toml"
	if len(args) >= 2 && args[0] == "-config" {
		configPath = args[1]
		args = args[2:]
	}
	if len(args) < 1 {
		usage()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Console)
	log := logging.WithComponent("skylarkctl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds := credentials.NewStore()
	if password := os.Getenv("SKYLARK_PASSWORD"); password != "" {
		if err := creds.SetPassword(cfg.Account.Username, password); err != nil {
			log.Fatal().Err(err).Msg("Failed to store password")
		}
	}
	session := credentials.NewSession(creds, cfg.Account.Username, cfg.Account.Username, os.Getenv("SKYLARK_ACCESS_TOKEN"))

	var store *summary.Store
	if cfg.Storage.DatabasePath != "" {
		db, err := database.Open(cfg.Storage.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open summary database")
		}
		defer db.Close()
		db.StartCheckpointRoutine(ctx)
		store = summary.NewStore(db)
	}

	cachePath := cfg.Storage.CachePath
	if cachePath == "" {
		cachePath = "skylark-cache"
	}
	bodyCache, err := cache.Open(cachePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open body cache")
	}

	mgr := imap.NewConnectionManager(cfg.ManagerConfig(session), bodyCache)
	defer mgr.CloseConnections()

	folderFor := func(name string) *imap.Folder {
		if f, ok := mgr.Folder(name); ok {
			return f
		}
		var sum imap.Summary
		if store != nil {
			fs, err := store.Folder(name)
			if err != nil {
				log.Fatal().Err(err).Str("folder", name).Msg("Failed to load summary")
			}
			sum = fs
		} else {
			sum = summary.NewMemory(name)
		}
		f := imap.NewFolder(name, sum)
		mgr.RegisterFolder(f)
		return f
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		entries, err := mgr.ListFolders(ctx, "*")
		exitOn(err)
		for _, e := range entries {
			marker := " "
			if e.Subscribed {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, e.Name)
		}

	case "refresh":
		need(rest, 1)
		folder := folderFor(rest[0])
		changes, err := mgr.RefreshInfo(ctx, folder)
		exitOn(err)
		fmt.Printf("%s: %d messages (+%d ~%d -%d)\n",
			folder.Name, folder.Summary.Count(),
			len(changes.Added), len(changes.Changed), len(changes.Removed))

	case "fetch":
		need(rest, 2)
		folder := folderFor(rest[0])
		uid := parseUID(rest[1])
		size := uint32(0)
		if msg, ok := folder.Summary.Get(uid); ok {
			size = msg.Size
		}
		exitOn(mgr.GetMessage(ctx, folder, uid, size))
		fmt.Println(bodyCache.Filename(imap.CacheCur, strconv.FormatUint(uint64(uid), 10)))

	case "copy":
		need(rest, 3)
		folder := folderFor(rest[0])
		uid := parseUID(rest[1])
		result, err := mgr.CopyMessages(ctx, folder, []uint32{uid}, rest[2], false)
		exitOn(err)
		for _, m := range result.Mappings {
			fmt.Printf("copied: uidvalidity=%d dest=%v\n", m.UIDValidity, imap.ExpandUIDs(m.Dest))
		}

	case "append":
		need(rest, 2)
		folder := folderFor(rest[0])
		data, err := os.ReadFile(rest[1])
		exitOn(err)
		id := "append-" + strconv.Itoa(os.Getpid())
		w, err := bodyCache.Add(imap.CacheNew, id)
		exitOn(err)
		_, werr := w.Write(data)
		exitOn(werr)
		exitOn(w.Close())
		info := &imap.MessageInfo{Size: uint32(len(data))}
		result, err := mgr.AppendMessage(ctx, folder, info, id)
		exitOn(err)
		fmt.Printf("appended: uid=%d\n", result.UID)

	case "expunge":
		need(rest, 1)
		exitOn(mgr.Expunge(ctx, folderFor(rest[0])))

	case "mkdir":
		need(rest, 1)
		exitOn(mgr.CreateFolder(ctx, rest[0]))

	case "rmdir":
		need(rest, 1)
		exitOn(mgr.DeleteFolder(ctx, rest[0]))

	case "rename":
		need(rest, 2)
		exitOn(mgr.RenameFolder(ctx, rest[0], rest[1]))

	case "idle":
		need(rest, 1)
		folder := folderFor(rest[0])
		// A refresh selects the folder; with the queue then empty the
		// engine enters IDLE on its own. Wait for interrupt.
		_, err := mgr.RefreshInfo(ctx, folder)
		exitOn(err)
		log.Info().Str("folder", folder.Name).Msg("Watching folder, interrupt to stop")
		<-ctx.Done()

	default:
		usage()
	}
}

func need(args []string, n int) {
	if len(args) < n {
		usage()
	}
}

func parseUID(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad uid %q\n", s)
		os.Exit(2)
	}
	return uint32(v)
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
