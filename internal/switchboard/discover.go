package switchboard

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/registry"
	"github.com/manorhq/manor/internal/store"
)

// Discovery keeps the butler registry in sync with the butlers.d config
// directory. Vanished butlers stay registered; only operator action
// removes a butler.
type Discovery struct {
	dir      string
	set      *config.ButlerSet
	butlers  *store.ButlerRegistryStore
	registry *registry.Service
	bus      bus.Emitter
	logger   *log.Logger
}

func NewDiscovery(dir string, set *config.ButlerSet, butlers *store.ButlerRegistryStore, reg *registry.Service, emitter bus.Emitter) *Discovery {
	return &Discovery{
		dir:      dir,
		set:      set,
		butlers:  butlers,
		registry: reg,
		bus:      emitter,
		logger:   log.New(log.Writer(), "[DISCOVER] ", log.LstdFlags),
	}
}

// Run rescans the directory once and upserts every parsed butler.
func (d *Discovery) Run(ctx context.Context) error {
	configs, err := d.set.Rescan(d.dir)
	if err != nil {
		d.logger.Printf("⚠️ rescan of %s had errors: %v", d.dir, err)
	}

	for _, cfg := range configs {
		if err := d.butlers.Upsert(ctx, cfg.Name, cfg.EndpointURL, cfg.Description, cfg.Modules); err != nil {
			d.logger.Printf("❌ upsert butler %s: %v", cfg.Name, err)
			continue
		}
	}
	d.registry.InvalidateSnapshot()

	names := make([]string, 0, len(configs))
	for _, cfg := range configs {
		names = append(names, cfg.Name)
	}
	d.logger.Printf("✅ discovery found %d butler(s): %s", len(names), strings.Join(names, ", "))
	d.bus.Emit(bus.TypeDiscoveryRan, "discovery", d.dir, map[string]interface{}{
		"butlers": names,
	})
	return nil
}

// Watch re-runs discovery on filesystem changes under the config
// directory, debounced so an editor save burst triggers one rescan.
func (d *Discovery) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Printf("⚠️ watch error: %v", err)
			case <-fire:
				if err := d.Run(ctx); err != nil {
					d.logger.Printf("❌ discovery rescan: %v", err)
				}
			}
		}
	}()

	d.logger.Printf("👀 watching %s for butler config changes", d.dir)
	return nil
}
