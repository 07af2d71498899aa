package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jacktea/hashstore/pkg/blob"
	"github.com/jacktea/hashstore/pkg/content"
	"github.com/jacktea/hashstore/pkg/jsonattr"
	"github.com/jacktea/hashstore/pkg/meta"
	"github.com/jacktea/hashstore/pkg/upload"
)

type app struct {
	ctx       context.Context
	log       *zap.SugaredLogger
	files     *content.Store
	metaStore meta.Store
	repo      *meta.Repository
	uploads   *upload.Behavior
	cleanup   []func()
}

func (a *app) ensureApp() error {
	if a.files != nil {
		return nil
	}
	ctx := context.Background()

	logger, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"))
	if err != nil {
		return fmt.Errorf("logger config: %w", err)
	}
	a.log = logger.Sugar()
	a.cleanup = append(a.cleanup, func() { _ = logger.Sync() })

	alg, err := blob.ParseAlgorithm(viper.GetString("hash"))
	if err != nil {
		return err
	}
	backend, err := buildBackend(ctx, viper.GetString("storage_provider"), storageOptions{
		Root:         viper.GetString("root"),
		Endpoint:     viper.GetString("storage_endpoint"),
		Bucket:       viper.GetString("storage_bucket"),
		Region:       viper.GetString("storage_region"),
		AccessKey:    viper.GetString("storage_access_key"),
		SecretKey:    viper.GetString("storage_secret_key"),
		SessionToken: viper.GetString("storage_session_token"),
		Prefix:       viper.GetString("storage_prefix"),
	})
	if err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	files, err := content.New(backend,
		content.WithUploadPath(viper.GetString("upload_path")),
		content.WithHash(alg),
		content.WithLogger(a.log.Warnf),
	)
	if err != nil {
		return fmt.Errorf("init content store: %w", err)
	}

	metaPath := viper.GetString("meta")
	if metaPath == "" {
		metaPath = filepath.Join(".hashstore", "meta.db")
	}
	store, closeMeta, err := openMeta(metaPath)
	if err != nil {
		return fmt.Errorf("init metadata: %w", err)
	}
	a.cleanup = append(a.cleanup, closeMeta)

	opts := []upload.Option{upload.WithLogger(a.log.Warnf)}
	if viper.GetBool("ref_counting") {
		opts = append(opts, upload.WithRefCounting(store))
	} else {
		opts = append(opts, upload.WithQueue(store))
	}
	uploads := upload.New(files, viper.GetStringSlice("upload_attrs"), opts...)

	a.ctx = ctx
	a.files = files
	a.metaStore = store
	a.uploads = uploads
	a.repo = meta.NewRepository(store, uploads, jsonattr.New(viper.GetStringSlice("json_attrs")...))
	return nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "hashstore",
		Short:         "content-addressed upload store CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureApp()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("hashstore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "hashstore"))
		}
	}
	viper.SetEnvPrefix("HASHSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("root", ".hashstore/files", "storage root (local provider)")
	flags.String("upload-path", "uploads", "directory under the root that holds stored files")
	flags.String("hash", string(blob.MD5), "content hash: md5|sha256|blake3")
	flags.String("meta", "", "metadata store path (.json for a JSON snapshot, BoltDB otherwise)")
	flags.StringSlice("upload-attrs", []string{"image"}, "record attributes holding file references")
	flags.StringSlice("json-attrs", nil, "record attributes stored as JSON")
	flags.Bool("ref-counting", true, "only remove files no record references any more; when off, replacing one record's upload also removes it from records sharing the same content")

	flags.String("storage-provider", "local", "storage provider: local|s3")
	flags.String("storage-endpoint", "", "remote storage endpoint")
	flags.String("storage-bucket", "", "remote storage bucket name")
	flags.String("storage-region", "", "region (S3 only)")
	flags.String("storage-access-key", "", "remote storage access key")
	flags.String("storage-secret-key", "", "remote storage secret key")
	flags.String("storage-session-token", "", "remote storage session token (S3)")
	flags.String("storage-prefix", "", "key prefix inside the bucket")

	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")

	bindConfig("root", flags.Lookup("root"))
	bindConfig("upload_path", flags.Lookup("upload-path"))
	bindConfig("hash", flags.Lookup("hash"))
	bindConfig("meta", flags.Lookup("meta"))
	bindConfig("upload_attrs", flags.Lookup("upload-attrs"))
	bindConfig("json_attrs", flags.Lookup("json-attrs"))
	bindConfig("ref_counting", flags.Lookup("ref-counting"))

	bindConfig("storage_provider", flags.Lookup("storage-provider"))
	bindConfig("storage_endpoint", flags.Lookup("storage-endpoint"))
	bindConfig("storage_bucket", flags.Lookup("storage-bucket"))
	bindConfig("storage_region", flags.Lookup("storage-region"))
	bindConfig("storage_access_key", flags.Lookup("storage-access-key"))
	bindConfig("storage_secret_key", flags.Lookup("storage-secret-key"))
	bindConfig("storage_session_token", flags.Lookup("storage-session-token"))
	bindConfig("storage_prefix", flags.Lookup("storage-prefix"))

	bindConfig("log_level", flags.Lookup("log-level"))
	bindConfig("log_format", flags.Lookup("log-format"))
}

func initCommands() {
	rootCmd.AddCommand(
		newPutCmd(),
		newRmCmd(),
		newCatCmd(),
		newAttachCmd(),
		newSetCmd(),
		newShowCmd(),
		newDeleteCmd(),
		newGCCmd(),
		newMigrateCmd(),
	)
}

type storageOptions struct {
	Root         string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Prefix       string
}

func buildBackend(ctx context.Context, provider string, opts storageOptions) (blob.Backend, error) {
	switch strings.ToLower(provider) {
	case "", "local":
		if opts.Root == "" {
			return nil, errors.New("local storage requires a root directory")
		}
		return blob.NewFSStore(opts.Root)
	case "s3":
		if opts.Bucket == "" || opts.Region == "" {
			return nil, errors.New("s3 config requires bucket and region")
		}
		if (opts.AccessKey == "") != (opts.SecretKey == "") {
			return nil, errors.New("s3 access key and secret key must be set together")
		}
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:     opts.Endpoint,
			Bucket:       opts.Bucket,
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
			Prefix:       opts.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

// openMeta opens the metadata store at path and returns its closer.
func openMeta(path string) (meta.Store, func(), error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		store, err := meta.NewFileStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	store, err := meta.NewBoltStore(meta.BoltConfig{Path: path, Timeout: 5 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
