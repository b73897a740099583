package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	"github.com/urfave/cli"

	"github.com/objstash/objstash/api"
	"github.com/objstash/objstash/backend"
	httpbackend "github.com/objstash/objstash/backend/http_backend"
	kafkabackend "github.com/objstash/objstash/backend/kafka_backend"
	"github.com/objstash/objstash/config"
	"github.com/objstash/objstash/fetcher"
	"github.com/objstash/objstash/job"
	"github.com/objstash/objstash/notifier"
	"github.com/objstash/objstash/processor"
	"github.com/objstash/objstash/processor/filestorage"
	"github.com/objstash/objstash/registry"
	"github.com/objstash/objstash/statestore"
	"github.com/objstash/objstash/statestore/filestore"
	"github.com/objstash/objstash/statestore/redisstore"
	"github.com/objstash/objstash/validation"
	"github.com/objstash/objstash/vendorapi"
)

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "objstash"
	app.Usage = "Bulk, resumable object download pipeline"
	app.HideVersion = true

	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "`FILE` to load config from",
		Value: "config.json",
	}

	app.Commands = cli.Commands{
		cli.Command{
			Name:   "serve",
			Usage:  "Start the pipeline and the operator API",
			Flags:  []cli.Flag{configFlag},
			Before: parseConfig,
			Action: serveAction,
		},
		cli.Command{
			Name:   "enqueue",
			Usage:  "Enqueue one or more object ids",
			Flags:  []cli.Flag{configFlag},
			Before: parseConfig,
			Action: enqueueAction,
		},
		cli.Command{
			Name:   "import",
			Usage:  "Bulk-enqueue ids from a comma-separated file",
			Flags:  []cli.Flag{configFlag},
			Before: parseConfig,
			Action: importAction,
		},
		cli.Command{
			Name:   "audit",
			Usage:  "Validate the downloaded folder of an object id",
			Flags:  []cli.Flag{configFlag},
			Before: parseConfig,
			Action: auditAction,
		},
		cli.Command{
			Name:   "search",
			Usage:  "Search the vendor for objects matching a query",
			Flags:  []cli.Flag{configFlag},
			Before: parseConfig,
			Action: searchAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}

func serveAction(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger := log.New(os.Stderr, "[objstash] ", log.Ldate|log.Ltime)

	proc, reg, err := buildPipeline(logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ntf *notifier.Notifier
	if cfg.Notifier.Backend != "" {
		b, err := notificationBackend(cfg.Notifier.Backend)
		if err != nil {
			return err
		}
		ntf = notifier.New(reg, b, cfg.Notifier.Destination,
			log.New(os.Stderr, "[notifier] ", log.Ldate|log.Ltime))
		if err := ntf.Start(ctx, cfg.Backends[cfg.Notifier.Backend]); err != nil {
			return err
		}
	}

	srv := api.New(proc, reg, cfg.API.Host, cfg.API.Port, cfg.API.HeartbeatPath)
	apiLog := log.New(os.Stderr, "[api] ", log.Ldate|log.Ltime)
	go func() {
		apiLog.Printf("Listening on %s...", srv.Server.Addr)
		err := srv.Server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			apiLog.Fatal(err)
		}
	}()

	go proc.Start(ctx)

	<-sigCh
	logger.Println("Shutting down gracefully...")
	if err := srv.Server.Shutdown(context.TODO()); err != nil {
		return err
	}
	cancel()
	if ntf != nil {
		if err := ntf.Stop(); err != nil {
			logger.Println("Error stopping notifier:", err)
		}
	}
	logger.Println("Bye!")
	return nil
}

func enqueueAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("expected at least one object id")
	}
	logger := log.New(os.Stderr, "[objstash] ", log.Ldate|log.Ltime)
	proc, _, err := buildPipeline(logger)
	if err != nil {
		return err
	}
	for _, id := range c.Args() {
		if err := proc.Enqueue(id); err != nil {
			return err
		}
		fmt.Printf("Enqueued %s\n", id)
	}
	return nil
}

func importAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("expected a file path")
	}
	logger := log.New(os.Stderr, "[objstash] ", log.Ldate|log.Ltime)
	proc, _, err := buildPipeline(logger)
	if err != nil {
		return err
	}
	n, err := proc.ImportFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d ids\n", n)
	return nil
}

func auditAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("expected an object id")
	}
	logger := log.New(os.Stderr, "[objstash] ", log.Ldate|log.Ltime)
	proc, _, err := buildPipeline(logger)
	if err != nil {
		return err
	}
	res, err := proc.Audit(context.Background(), id)
	if err != nil {
		return err
	}
	if res.Valid {
		fmt.Println("OK")
		return nil
	}
	for _, reason := range res.Errors {
		fmt.Println(reason)
	}
	return errors.New("validation failed")
}

func searchAction(c *cli.Context) error {
	query := c.Args().First()
	if query == "" {
		return errors.New("expected a search query")
	}
	vendor := vendorapi.NewHTTPClient(cfg.Vendor.BaseURL, cfg.Vendor.Token)
	objects, err := vendor.SearchObjects(context.Background(), query)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		fmt.Printf("%s\t%s\t%s\n", obj.ID, obj.Designer, obj.Name)
	}
	return nil
}

// buildPipeline wires the store, registry and processor from the loaded
// configuration.
func buildPipeline(logger *log.Logger) (*processor.Processor, *registry.Registry, error) {
	store, err := buildStore()
	if err != nil {
		return nil, nil, err
	}

	reg, err := registry.New(store, log.New(os.Stderr, "[registry] ", log.Ldate|log.Ltime))
	if err != nil {
		return nil, nil, err
	}

	vendor := vendorapi.NewHTTPClient(cfg.Vendor.BaseURL, cfg.Vendor.Token)
	fetch := fetcher.NewPool(cfg.Processor.FetchWorkers, cfg.Processor.MaxFetchSize)

	var runner validation.Runner = validation.InlineRunner{}
	if cfg.Processor.ValidationWorkers > 0 {
		runner = validation.NewPoolRunner(cfg.Processor.ValidationWorkers)
	}

	proc, err := processor.New(processor.Config{
		BaseDir:       cfg.Processor.BaseDir,
		MaxHeavy:      cfg.Processor.MaxHeavy,
		MaxLight:      cfg.Processor.MaxLight,
		ScanInterval:  time.Duration(cfg.Processor.ScanInterval) * time.Second,
		StatsInterval: time.Duration(cfg.Processor.StatsInterval) * time.Second,
	}, store, reg, vendor, fetch, runner, logger)
	if err != nil {
		return nil, nil, err
	}

	mirror, err := buildMirror()
	if err != nil {
		return nil, nil, err
	}
	proc.Mirror = mirror

	return proc, reg, nil
}

func buildStore() (statestore.Store, error) {
	switch cfg.Store.Backend {
	case "", "file":
		s, err := filestore.New(cfg.Store.DataDir, job.SetNames())
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := redisstore.New(redisClient("objstash", cfg.Store.Redis.Addr), job.SetNames())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildMirror() (filestorage.FileStorage, error) {
	switch cfg.Mirror.Backend {
	case "":
		return nil, nil
	case "filesystem":
		fs, err := filestorage.NewFileSystem(cfg.Mirror.RootDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		s3, err := filestorage.NewAWSS3(cfg.Mirror.Region, cfg.Mirror.Bucket)
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.Mirror.Backend)
	}
}

func notificationBackend(id string) (backend.Backend, error) {
	switch id {
	case "http":
		return &httpbackend.Backend{}, nil
	case "kafka":
		return &kafkabackend.Backend{}, nil
	default:
		return nil, fmt.Errorf("unknown notification backend %q", id)
	}
}

func redisClient(name, addr string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("error setting Redis client name to " + name)
		}
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, OnConnect: setName})
}
