// cmd/tabsy is a terminal diner: it scans a table's QR code (passed as a
// flag), bootstraps a guest session, and mirrors the table's shared cart
// live while other devices order alongside it.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/sirupsen/logrus"

	"github.com/tabsyteam/tabsy-table-session/internal/api"
	"github.com/tabsyteam/tabsy-table-session/internal/cart"
	"github.com/tabsyteam/tabsy-table-session/internal/coordinator"
	"github.com/tabsyteam/tabsy-table-session/internal/models"
	"github.com/tabsyteam/tabsy-table-session/internal/replacement"
	"github.com/tabsyteam/tabsy-table-session/internal/session"
	"github.com/tabsyteam/tabsy-table-session/internal/storage"
	"github.com/tabsyteam/tabsy-table-session/internal/ws"
)

func main() {
	var (
		restaurantID = flag.String("restaurant", "", "restaurant id from the QR code")
		tableID      = flag.String("table", "", "table id from the QR code")
		qrCode       = flag.String("qr", "", "QR code payload")
		userName     = flag.String("name", "Guest", "display name at the table")
		stateDir     = flag.String("state", "", "local state directory (default ~/.tabsy)")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	if *restaurantID == "" || *tableID == "" || *qrCode == "" {
		fmt.Fprintln(os.Stderr, "usage: tabsy -restaurant <id> -table <id> -qr <code> [-name <name>]")
		os.Exit(1)
	}

	baseURL := os.Getenv("TABSY_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	wsBase := os.Getenv("TABSY_WS_URL")
	if wsBase == "" {
		wsBase = strings.Replace(baseURL, "http", "ws", 1)
	}

	dir := *stateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Fatalf("cannot resolve home directory: %v", err)
		}
		dir = filepath.Join(home, ".tabsy")
	}
	store, err := storage.OpenBadgerStore(dir)
	if err != nil {
		logger.Fatalf("cannot open local store: %v", err)
	}
	defer store.Close()

	client := api.New(baseURL, logger)
	coord := coordinator.New(coordinator.NewStoreLock(store), logger)

	mgr := session.NewManager(session.Config{
		RestaurantID: *restaurantID,
		TableID:      *tableID,
		QRCode:       *qrCode,
		UserName:     *userName,
		API:          client,
		Store:        store,
		Coordinator:  coord,
		Logger:       logger,
		OnNavigateHome: func() {
			fmt.Println("\n* table session closed — thanks for dining!")
			os.Exit(0)
		},
		OnToast: func(msg string) { fmt.Printf("\n* %s\n> ", msg) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := mgr.Bootstrap(ctx); err != nil {
		cancel()
		logger.Fatalf("could not join table: %v", err)
	}
	cancel()

	dining := mgr.DiningSession()
	fmt.Printf("joined table %s at %s (session %s)\n", dining.TableID, dining.RestaurantName, dining.SessionID)

	bridge := ws.NewClient(ws.CustomerURL(wsBase, dining.RestaurantID, dining.TableID, dining.SessionID), logger)

	sc := cart.New(cart.Config{
		TableSessionID: dining.TableSessionID,
		Self:           models.CartAttribution{GuestSessionID: dining.SessionID, UserName: *userName},
		Bridge:         bridge,
		API:            client,
		Logger:         logger,
	})

	mgr.Bind(bridge)
	sc.Bind(bridge)

	handler := replacement.New(replacement.Config{
		TableID:     dining.TableID,
		Store:       store,
		Coordinator: coord,
		API:         client,
		Logger:      logger,
		OnModal: func(state replacement.ModalState) {
			fmt.Printf("\n* %s\n", state)
		},
		OnRedirectHome: func() { os.Exit(0) },
	})
	handler.Bind(bridge)

	sc.OnRemoteUpdate = func(by models.CartAttribution) {
		fmt.Printf("\n* %s updated the shared cart\n> ", by.UserName)
	}
	sc.OnLocked = func(by string) {
		fmt.Printf("\n* another device is placing the order\n> ")
	}

	// Restore any order note typed before a previous exit.
	if note, err := store.Get(context.Background(), storage.SpecialInstructionsKey); err == nil {
		sc.SetSpecialInstructions(note)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = bridge.Dial(dialCtx)
	dialCancel()
	if err != nil {
		logger.Fatalf("could not connect to table updates: %v", err)
	}
	defer bridge.Close()

	repl(client, store, sc, mgr, dining)
}

func repl(client *api.Client, store storage.Store, sc *cart.SharedCart, mgr *session.Manager, dining *models.DiningSession) {
	fmt.Println("commands: add <id> <name> <price> [qty] | rm <id> | note <text> | cart | users | order | bill | quit")
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Print("> ")
			continue
		}
		switch fields[0] {
		case "add":
			if len(fields) < 4 {
				fmt.Println("usage: add <id> <name> <price> [qty]")
				break
			}
			price, _ := strconv.ParseFloat(fields[3], 64)
			qty := 1
			if len(fields) > 4 {
				qty, _ = strconv.Atoi(fields[4])
			}
			if err := sc.AddItem(fields[1], fields[2], price, qty, nil); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "rm":
			if len(fields) < 2 {
				fmt.Println("usage: rm <id>")
				break
			}
			if err := sc.RemoveItem(fields[1]); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "note":
			note := strings.Join(fields[1:], " ")
			sc.SetSpecialInstructions(note)
			if err := store.Set(context.Background(), storage.SpecialInstructionsKey, note); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case "cart":
			state := sc.State()
			for _, it := range state.Items {
				fmt.Printf("  %dx %s (%.2f) by %s\n", it.Quantity, it.Name, it.Subtotal, it.AddedBy.UserName)
			}
			fmt.Printf("  total %.2f, round %d, locked=%v\n", state.Total, state.CurrentRound, state.IsLocked)
		case "users":
			for _, u := range mgr.Users() {
				host := ""
				if u.IsHost {
					host = " (host)"
				}
				fmt.Printf("  %s%s\n", u.UserName, host)
			}
		case "order":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			order, err := sc.PlaceOrder(ctx)
			cancel()
			if err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Printf("order %s placed (%.2f)\n", order.ID, order.Total)
				_ = store.Delete(context.Background(), storage.SpecialInstructionsKey)
			}
		case "bill":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			bill, err := client.GetBill(ctx, dining.TableSessionID)
			cancel()
			if err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Printf("total %.2f, paid %.2f, %d orders\n", bill.TotalAmount, bill.PaidAmount, len(bill.Orders))
			}
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command")
		}
		fmt.Print("> ")
	}
}
