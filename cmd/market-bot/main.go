package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/clicker-market/internal/client"
	"github.com/clicker-market/internal/domain"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
	"Ace", "Bolt", "Crash", "Dash", "Edge", "Flash", "Glitch", "Haze", "Ion", "Jade",
	"Knight", "Luna", "Mystic", "Neon", "Orion", "Pulse", "Quantum", "Rebel", "Spark", "Turbo",
}

var civilizations = []string{"egypt", "rome", "china", "viking"}

func getPlayerName(idx int) string {
	prefixIdx := idx % len(playerPrefixes)
	suffix := idx/len(playerPrefixes) + 1
	return fmt.Sprintf("%s%d", playerPrefixes[prefixIdx], suffix)
}

type counters struct {
	listed    atomic.Int64
	cancelled atomic.Int64
	bought    atomic.Int64
	rejected  atomic.Int64
}

func main() {
	// Command line flags
	url := flag.String("url", "ws://localhost:3000/ws", "Marketplace WebSocket URL")
	bots := flag.Int("bots", 10, "Number of bots")
	duration := flag.Duration("duration", 0, "Duration to run (0 = until interrupted)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	actionEvery := flag.Duration("interval", 500*time.Millisecond, "Time between actions per bot")
	refresh := flag.Duration("refresh", 10*time.Second, "Marketplace refresh interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Marketplace Bot Swarm")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Server:           %s\n", *url)
	fmt.Printf("  Bots:             %d\n", *bots)
	fmt.Printf("  Seed:             %d\n", *seed)
	fmt.Printf("  Action interval:  %s\n", *actionEvery)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var stats counters
	var wg sync.WaitGroup
	for i := 0; i < *bots; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			b := &bot{
				name:  getPlayerName(idx),
				rng:   rand.New(rand.NewSource(*seed + int64(idx))),
				stats: &stats,
			}
			if err := b.run(ctx, *url, *actionEvery, client.Options{
				RefreshInterval: *refresh,
				PendingTimeout:  3 * *refresh,
			}, logger.With("bot", b.name)); err != nil {
				logger.Error("bot stopped", "bot", b.name, "error", err)
			}
		}(i)
	}

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			fmt.Printf("\n✓ Completed. Listed: %d, Cancelled: %d, Bought: %d, Rejected: %d\n",
				stats.listed.Load(), stats.cancelled.Load(), stats.bought.Load(), stats.rejected.Load())
			return
		case <-statsTicker.C:
			fmt.Printf("[%s] Listed: %d | Cancelled: %d | Bought: %d | Rejected: %d\n",
				time.Now().Format("15:04:05"),
				stats.listed.Load(),
				stats.cancelled.Load(),
				stats.bought.Load(),
				stats.rejected.Load(),
			)
		}
	}
}

type bot struct {
	name  string
	rng   *rand.Rand
	stats *counters
}

// seedInventory hands out a few random catalog items and enough currency to trade
func (b *bot) seedInventory() *client.State {
	catalog := domain.Catalog()
	var inventory []string
	for i := 0; i < 3+b.rng.Intn(5); i++ {
		// Favor the cheaper half of the catalog
		item := catalog[b.rng.Intn(len(catalog)/2+1)]
		inventory = append(inventory, item.ID)
	}
	return client.NewState(float64(50000+b.rng.Intn(200000)), inventory)
}

func (b *bot) run(ctx context.Context, url string, every time.Duration, opts client.Options, logger *slog.Logger) error {
	session, err := client.Dial(ctx, url, b.seedInventory(), opts, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := session.Register(regCtx, domain.RegisterRequest{
		PlayerName:   b.name,
		Civilization: civilizations[b.rng.Intn(len(civilizations))],
	}); err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return client.ErrClosed
		case <-ticker.C:
			b.act(ctx, session)
		}
	}
}

// act performs one random marketplace action
func (b *bot) act(ctx context.Context, session *client.Session) {
	v := session.View()

	switch roll := b.rng.Intn(100); {
	case roll < 45 && len(v.Inventory) > 0:
		itemID := v.Inventory[b.rng.Intn(len(v.Inventory))]
		item, _ := domain.LookupItem(itemID)
		price := item.MinPrice() + b.rng.Float64()*(item.MaxPrice()-item.MinPrice())
		call, err := session.CreateListing(itemID, float64(int(price)))
		b.await(ctx, call, err, &b.stats.listed)

	case roll < 85:
		var candidates []domain.Listing
		for _, l := range v.Marketplace {
			if l.SellerID != v.PlayerID && l.Price <= v.Currency {
				candidates = append(candidates, l)
			}
		}
		if len(candidates) == 0 {
			return
		}
		call, err := session.BuyListing(candidates[b.rng.Intn(len(candidates))].ID)
		b.await(ctx, call, err, &b.stats.bought)

	case roll < 95 && len(v.Listings) > 0:
		if _, err := session.CancelListing(v.Listings[b.rng.Intn(len(v.Listings))].ID); err == nil {
			b.stats.cancelled.Add(1)
		}

	case len(v.Equipped) > 0 && b.rng.Intn(2) == 0:
		_ = session.Unequip(v.Equipped[0])

	case len(v.Inventory) > 0:
		_ = session.Equip(v.Inventory[b.rng.Intn(len(v.Inventory))])
	}
}

func (b *bot) await(ctx context.Context, call *client.Call, err error, counter *atomic.Int64) {
	if err != nil {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = call.Wait(waitCtx)
	var remote *client.RemoteError
	switch {
	case err == nil:
		counter.Add(1)
	case errors.As(err, &remote):
		b.stats.rejected.Add(1)
	}
}
