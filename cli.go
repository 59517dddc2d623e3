package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"ircd/internal/audit"
	"ircd/internal/config"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, auditDBPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("ircd %s\n", Version)
		return true
	case "status":
		return cliStatus(auditDBPath)
	case "bans":
		return cliBans(args[1:], auditDBPath)
	case "events":
		return cliEvents(args[1:], auditDBPath)
	case "genpass":
		return cliGenPass(args[1:])
	case "backup":
		return cliBackup(args[1:], auditDBPath)
	default:
		return false
	}
}

func openAuditStore(path string) *audit.Store {
	st, err := audit.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening audit database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(auditDBPath string) bool {
	st := openAuditStore(auditDBPath)
	defer st.Close()

	bans, err := st.Bans()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	recent, err := st.Recent("", 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Audit database: %s\n", auditDBPath)
	fmt.Printf("Active bans: %s\n", humanize.Comma(int64(len(bans))))
	fmt.Printf("Version: %s\n", Version)
	fmt.Println("Most recent events:")
	for _, e := range recent {
		fmt.Printf("  [%s] %s %s -> %s\n", e.Kind, humanize.Time(time.Unix(e.CreatedAt, 0)), e.Actor, e.Target)
	}
	return true
}

func cliBans(args []string, auditDBPath string) bool {
	st := openAuditStore(auditDBPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		bans, err := st.Bans()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(bans) == 0 {
			fmt.Println("No active bans.")
			return true
		}
		for _, b := range bans {
			fmt.Printf("  [%d] %s  reason=%q set by %s\n", b.ID, b.Mask, b.Reason, b.SetBy)
		}
		return true
	}

	if args[0] == "add" && len(args) >= 3 {
		mask, reason, setBy := args[1], args[2], "cli"
		if len(args) > 3 {
			setBy = args[3]
		}
		id, err := st.InsertBan(mask, reason, setBy, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error adding ban: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added ban %q (id=%d)\n", mask, id)
		return true
	}

	if args[0] == "remove" && len(args) > 1 {
		var id int64
		if _, err := fmt.Sscanf(args[1], "%d", &id); err != nil {
			fmt.Fprintf(os.Stderr, "invalid ban id: %v\n", err)
			os.Exit(1)
		}
		if err := st.DeleteBan(id); err != nil {
			fmt.Fprintf(os.Stderr, "error removing ban: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed ban %d\n", id)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: ircd bans [list|add <mask> <reason> [set-by]|remove <id>]\n")
	os.Exit(1)
	return true
}

func cliEvents(args []string, auditDBPath string) bool {
	st := openAuditStore(auditDBPath)
	defer st.Close()

	kind := ""
	if len(args) > 0 {
		kind = args[0]
	}
	entries, err := st.Recent(kind, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(out))
	return true
}

func cliGenPass(args []string) bool {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: ircd genpass <plaintext>\n")
		os.Exit(1)
	}
	hash, err := config.HashOperatorPassword(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error hashing password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
	return true
}

func cliBackup(args []string, auditDBPath string) bool {
	st := openAuditStore(auditDBPath)
	defer st.Close()

	outPath := "ircd-audit-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Audit database backed up to %s\n", outPath)
	return true
}
