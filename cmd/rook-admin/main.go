package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/config"
	"github.com/corvid-mail/rook/db"
	"github.com/corvid-mail/rook/list"
	"github.com/corvid-mail/rook/pending"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "create-list":
		handleCreateList()
	case "add-owner":
		handleAddOwner()
	case "add-member":
		handleAddMember()
	case "remove-member":
		handleRemoveMember()
	case "disable-member":
		handleSetDelivery(false)
	case "enable-member":
		handleSetDelivery(true)
	case "show-member":
		handleShowMember()
	case "bump-post-id":
		handleBumpCounter("post_id")
	case "bump-volume":
		handleBumpCounter("volume")
	case "register-bounce":
		handleRegisterBounce()
	case "confirm":
		handleConfirm()
	case "cull-pending":
		handleCullPending()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`ROOK Admin Tool

Usage:
  rook-admin <command> [options]

Commands:
  create-list       Create a mailing list
  add-owner         Add an owner address to a list
  add-member        Subscribe an address directly, bypassing confirmation
  remove-member     Unsubscribe an address
  disable-member    Turn off delivery for a member
  enable-member     Turn delivery back on for a member
  show-member       Show a member's subscription row
  bump-post-id      Increment a list's post counter
  bump-volume       Increment a list's digest volume number
  register-bounce   Feed one bounce event into the tracker
  confirm           Confirm a pending request by cookie
  cull-pending      Evict expired pending requests
  help              Show this help message

Examples:
  rook-admin create-list --name announce --admin admin@example.com
  rook-admin add-member --list announce --address user@example.com --password secret
  rook-admin register-bounce --list announce --address user@example.com --message bounce.eml
  rook-admin confirm --cookie 4c7a9e...

Use 'rook-admin <command> --help' for more information about a command.
`)
}

// openDatabase loads the configuration and opens the membership store.
func openDatabase(configPath string) (config.Config, *db.Database) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "rook.db")
	}
	database, err := db.Open(dbPath, cfg.Database.Debug)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return cfg, database
}

func openService(configPath string) (config.Config, *list.Service, *db.Database) {
	cfg, database := openDatabase(configPath)
	store := openPendingStore(cfg)
	svc := list.NewService(database, store, nil, list.Options{
		LockDir:               cfg.DataDir,
		StaleWindowMultiplier: cfg.Bounce.StaleWindowMultiplier,
	})
	return cfg, svc, database
}

func openPendingStore(cfg config.Config) *pending.Store {
	pendingPath := cfg.Pending.Path
	if pendingPath == "" {
		pendingPath = filepath.Join(cfg.DataDir, "pending.db")
	}
	requestLife, err := cfg.Pending.GetRequestLife()
	if err != nil {
		log.Fatalf("Invalid pending.request_life: %v", err)
	}
	store, err := pending.NewStore(pendingPath, requestLife)
	if err != nil {
		log.Fatalf("Failed to open pending store: %v", err)
	}
	return store
}

func requireFlag(fs *flag.FlagSet, name, value string) {
	if value == "" {
		fmt.Printf("Error: --%s is required\n\n", name)
		fs.Usage()
		os.Exit(1)
	}
}

func handleCreateList() {
	fs := flag.NewFlagSet("create-list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "List name (required)")
	admin := fs.String("admin", "", "List administrator address (required)")
	owners := fs.String("owners", "", "Comma-separated owner addresses")
	action := fs.Int("action", -1, "Automatic bounce action 0-3 (default: from config)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "name", *name)
	requireFlag(fs, "admin", *admin)

	cfg, database := openDatabase(*configPath)
	defer database.Close()

	bounceAction := cfg.Bounce.AutomaticBounceAction
	if *action >= 0 {
		bounceAction = *action
	}
	l := db.List{
		Name:                   *name,
		AdminAddress:           *admin,
		MinimumRemovalDate:     cfg.Bounce.MinimumRemovalDate,
		MinimumPostCount:       cfg.Bounce.MinimumPostCount,
		AutomaticBounceAction:  bounceAction,
		MaxPostsBetweenBounces: cfg.Bounce.MaxPostsBetweenBounces,
	}
	if *owners != "" {
		for _, o := range strings.Split(*owners, ",") {
			l.Owners = append(l.Owners, strings.TrimSpace(o))
		}
	}
	if err := database.CreateList(context.Background(), l); err != nil {
		log.Fatalf("Failed to create list: %v", err)
	}
	fmt.Printf("Successfully created list: %s\n", *name)
}

func handleAddOwner() {
	fs := flag.NewFlagSet("add-owner", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	address := fs.String("address", "", "Owner address (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "list", *listName)
	requireFlag(fs, "address", *address)

	_, database := openDatabase(*configPath)
	defer database.Close()

	if err := database.AddOwner(context.Background(), *listName, *address); err != nil {
		log.Fatalf("Failed to add owner: %v", err)
	}
	fmt.Printf("Successfully added owner %s to %s\n", *address, *listName)
}

func handleAddMember() {
	fs := flag.NewFlagSet("add-member", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	address := fs.String("address", "", "Member address (required)")
	password := fs.String("password", "", "Member password (required)")
	language := fs.String("language", "en", "Preferred language")
	digest := fs.Bool("digest", false, "Subscribe in digest mode")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "list", *listName)
	requireFlag(fs, "address", *address)
	requireFlag(fs, "password", *password)

	_, database := openDatabase(*configPath)
	defer database.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	if err := database.AddMember(context.Background(), *listName, *address, string(hash), *language, *digest); err != nil {
		log.Fatalf("Failed to add member: %v", err)
	}
	fmt.Printf("Successfully added member %s to %s\n", *address, *listName)
}

func handleRemoveMember() {
	fs := flag.NewFlagSet("remove-member", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	address := fs.String("address", "", "Member address (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "list", *listName)
	requireFlag(fs, "address", *address)

	_, database := openDatabase(*configPath)
	defer database.Close()

	if err := database.RemoveMember(context.Background(), *listName, *address); err != nil {
		log.Fatalf("Failed to remove member: %v", err)
	}
	fmt.Printf("Successfully removed member %s from %s\n", *address, *listName)
}

func handleSetDelivery(enable bool) {
	verb := "disable"
	if enable {
		verb = "enable"
	}
	fs := flag.NewFlagSet(verb+"-member", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	address := fs.String("address", "", "Member address (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "list", *listName)
	requireFlag(fs, "address", *address)

	_, database := openDatabase(*configPath)
	defer database.Close()

	var changed bool
	var err error
	if enable {
		changed, err = database.EnableDelivery(context.Background(), *listName, *address)
	} else {
		changed, err = database.DisableDelivery(context.Background(), *listName, *address)
	}
	if err != nil {
		log.Fatalf("Failed to %s delivery: %v", verb, err)
	}
	if changed {
		fmt.Printf("Delivery %sd for %s on %s\n", verb, *address, *listName)
	} else {
		fmt.Printf("Delivery already %sd for %s on %s\n", verb, *address, *listName)
	}
}

func handleShowMember() {
	fs := flag.NewFlagSet("show-member", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	address := fs.String("address", "", "Member address (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "list", *listName)
	requireFlag(fs, "address", *address)

	_, database := openDatabase(*configPath)
	defer database.Close()

	m, err := database.GetMember(context.Background(), *listName, *address)
	if err != nil {
		log.Fatalf("Failed to load member: %v", err)
	}
	fmt.Printf("List:             %s\n", m.List)
	fmt.Printf("Address:          %s\n", m.Address)
	fmt.Printf("Digest:           %t\n", m.Digest)
	fmt.Printf("Delivery enabled: %t\n", m.DeliveryEnabled)
	fmt.Printf("Language:         %s\n", m.Language)
	fmt.Printf("Subscribed at:    %s\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	rec, err := database.GetRecord(context.Background(), *listName, *address)
	if err != nil {
		log.Fatalf("Failed to load bounce record: %v", err)
	}
	if rec == nil {
		fmt.Printf("Bounce record:    none\n")
	} else {
		fmt.Printf("Bouncing since:   %s (posts %d-%d)\n",
			rec.FirstBounceAt.Format("2006-01-02 15:04:05 MST"), rec.WindowStart, rec.WindowEnd)
	}
}

func handleBumpCounter(counter string) {
	fs := flag.NewFlagSet("bump-"+counter, flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "list", *listName)

	_, database := openDatabase(*configPath)
	defer database.Close()

	var v int64
	var err error
	if counter == "post_id" {
		v, err = database.IncrementPostID(context.Background(), *listName)
	} else {
		v, err = database.IncrementVolume(context.Background(), *listName)
	}
	if err != nil {
		log.Fatalf("Failed to bump %s: %v", counter, err)
	}
	fmt.Printf("%s of %s is now %d\n", counter, *listName, v)
}

func handleRegisterBounce() {
	fs := flag.NewFlagSet("register-bounce", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	listName := fs.String("list", "", "List name (required)")
	address := fs.String("address", "", "Bouncing address (required)")
	messagePath := fs.String("message", "", "Path to the bounced message")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "list", *listName)
	requireFlag(fs, "address", *address)

	var original []byte
	if *messagePath != "" {
		var err error
		original, err = os.ReadFile(*messagePath)
		if err != nil {
			log.Fatalf("Failed to read message file: %v", err)
		}
	}

	_, svc, database := openService(*configPath)
	defer database.Close()

	out, err := svc.HandleBounce(context.Background(), *listName, *address, original)
	if err != nil {
		log.Fatalf("Failed to register bounce: %v", err)
	}
	fmt.Printf("Disposition: %s\n", out.Disposition)
	if out.Disposition == bounce.DispositionEscalated {
		fmt.Printf("Action:      %s (ok: %t, notified: %t, suppressed: %t)\n",
			out.Action, out.ActionOK, out.Notified, out.Suppressed)
	}
}

func handleConfirm() {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	cookie := fs.String("cookie", "", "Confirmation cookie (required)")
	peek := fs.Bool("peek", false, "Resolve the cookie without consuming it")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	requireFlag(fs, "cookie", *cookie)

	_, svc, database := openService(*configPath)
	defer database.Close()

	res, err := svc.Confirm(context.Background(), *cookie, !*peek)
	if err != nil {
		log.Fatalf("Failed to confirm: %v", err)
	}
	fmt.Printf("Kind:    %s\n", res.Kind)
	fmt.Printf("List:    %s\n", res.List)
	if res.Address != "" {
		fmt.Printf("Address: %s\n", res.Address)
	}
	if res.Detail != "" {
		fmt.Printf("Detail:  %s\n", res.Detail)
	}
}

func handleCullPending() {
	fs := flag.NewFlagSet("cull-pending", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	store := openPendingStore(cfg)
	if err := store.Cull(context.Background()); err != nil {
		log.Fatalf("Failed to cull pending requests: %v", err)
	}
	fmt.Println("Expired pending requests evicted")
}
