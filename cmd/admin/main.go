package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"anonchat/backend/internal/chathub"
	"anonchat/backend/internal/config"
	"anonchat/backend/internal/logger"
	"anonchat/backend/internal/models"
	"anonchat/backend/internal/storage"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const usage = `Usage: admin <command> [args]

  queues              list matchmaking queues and their length
  queue <key|pref>    list entries of a queue, oldest first
  room <id>           show an active room
  end-room <id>       end an active room and notify both participants
`

var errUsage = errors.New("usage")

// admin carries what every command needs.
type admin struct {
	store    *storage.RedisPairingStore
	notifier chathub.Sender // nil without a bus
	out      io.Writer
	now      func() time.Time
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cfg, err := config.LoadTooling()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New("warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	a := &admin{store: storage.NewRedisPairingStore(rdb), out: os.Stdout, now: time.Now}

	// Без шини сповіщення не дійдуть до клієнтів на інших вузлах.
	registry := chathub.NewRegistry(log)
	switch cfg.BusBackend {
	case "redis":
		registry.SetBus(chathub.NewRedisBus(rdb, "admin", log))
		a.notifier = registry
	case "nats":
		bus, err := chathub.DialNATS(cfg.NATSURL, "admin", log)
		if err != nil {
			log.Fatal("connect nats", zap.Error(err))
		}
		defer bus.Close()
		registry.SetBus(bus)
		a.notifier = registry
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Print(usage)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func (a *admin) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "queues":
		return a.listQueues(ctx)
	case "queue":
		if len(args) != 2 {
			return errUsage
		}
		return a.showQueue(ctx, args[1])
	case "room":
		if len(args) != 2 {
			return errUsage
		}
		return a.showRoom(ctx, roomKey(args[1]))
	case "end-room":
		if len(args) != 2 {
			return errUsage
		}
		return a.endRoom(ctx, roomKey(args[1]))
	default:
		return errUsage
	}
}

func (a *admin) listQueues(ctx context.Context) error {
	keys, err := a.store.QueueKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(a.out, "no queues")
		return nil
	}
	for _, key := range keys {
		entries, err := a.store.QueueEntries(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s\t%d\n", key, len(entries))
	}
	return nil
}

func (a *admin) showQueue(ctx context.Context, keyOrPref string) error {
	key := keyOrPref
	if !strings.HasPrefix(key, config.QueuePrefix) {
		key = chathub.QueueKey(keyOrPref)
	}

	entries, err := a.store.QueueEntries(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %d waiting\n", key, len(entries))
	now := a.now()
	for _, e := range entries {
		fmt.Fprintf(a.out, "%s\twaiting %s\tpremium=%t\n", e.UserID, e.Age(now).Truncate(time.Second), e.IsPremium)
	}
	return nil
}

func (a *admin) showRoom(ctx context.Context, roomID string) error {
	room, err := a.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(room, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode room")
	}
	fmt.Fprintln(a.out, string(out))
	return nil
}

// endRoom ends the room exactly like chat:end would, except that both sides are told.
func (a *admin) endRoom(ctx context.Context, roomID string) error {
	room, err := a.store.TakeRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if a.notifier == nil {
		fmt.Fprintf(a.out, "room %s ended; no bus configured, participants were not notified\n", room.RoomID)
		return nil
	}
	for _, uid := range []string{room.User1ID, room.User2ID} {
		partnerID, _ := room.Partner(uid)
		a.notifier.SendTo(uid, models.Event{Type: models.TypeChatEnded, Data: models.ChatEndedData{
			RoomID:       room.RoomID,
			CanAddFriend: true,
			PartnerID:    partnerID,
		}})
	}
	fmt.Fprintf(a.out, "room %s ended; notified %s and %s\n", room.RoomID, room.User1ID, room.User2ID)
	return nil
}

func roomKey(id string) string {
	if strings.HasPrefix(id, "room:") {
		return id
	}
	return "room:" + id
}
