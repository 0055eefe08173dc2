// Checks a torrent's data against the piece hashes in its metainfo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/anacrolix/piecework/bitfield"
	"github.com/anacrolix/piecework/chunk"
	"github.com/anacrolix/piecework/internal/bitmapx"
	"github.com/anacrolix/piecework/storage"
)

var flags struct {
	Path     string `help:"directory containing the torrent's data"`
	Storage  string `help:"how to read the data: file, mmap or memory"`
	Workers  int    `help:"pieces to verify concurrently"`
	Config   string `help:"config file providing defaults for the other flags"`
	Bitfield bool   `help:"print the verification status of each piece"`
	Summary  bool   `help:"display a summary at the end"`
	tagflag.StartPos
	Torrent string
}

func main() {
	tagflag.Parse(&flags, tagflag.Description("Verifies the data of the torrent TORRENT."))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := mainErr(ctx); err != nil {
		log.Default.WithDefaultLevel(log.Error).Printf("error: %v", err)
		os.Exit(1)
	}
}

type options struct {
	path    string
	kind    storage.Kind
	workers int
}

func loadOptions() (opts options, err error) {
	v := viper.New()
	v.SetDefault("path", ".")
	v.SetDefault("storage", storage.KindMMap.String())
	v.SetDefault("workers", runtime.NumCPU())
	if flags.Config != "" {
		v.SetConfigFile(flags.Config)
		if err = v.ReadInConfig(); err != nil {
			return opts, fmt.Errorf("reading config: %w", err)
		}
	}
	if flags.Path != "" {
		v.Set("path", flags.Path)
	}
	if flags.Storage != "" {
		v.Set("storage", flags.Storage)
	}
	if flags.Workers != 0 {
		v.Set("workers", flags.Workers)
	}
	opts.path = v.GetString("path")
	opts.workers = v.GetInt("workers")
	opts.kind, err = storage.ParseKind(v.GetString("storage"))
	return
}

func mainErr(ctx context.Context) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	mi, err := metainfo.LoadFromFile(flags.Torrent)
	if err != nil {
		return fmt.Errorf("loading metainfo: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return fmt.Errorf("unmarshalling info: %w", err)
	}
	units, err := storage.OpenUnits(opts.path, &info, opts.kind)
	if err != nil {
		return err
	}
	defer storage.Close(units...)
	chunks, err := chunk.BuildFromInfo(&info, units)
	if err != nil {
		return err
	}
	bf := bitfield.NewLocal(len(chunks))
	logger := log.Default.WithNames("verify")
	verified, err := chunk.NewVerifier(opts.workers, logger).Verify(ctx, chunks, bf)
	if err != nil {
		return err
	}
	if flags.Bitfield {
		var sb strings.Builder
		for _, have := range bitmapx.Bools(len(chunks), verified) {
			if have {
				sb.WriteByte('H')
			} else {
				sb.WriteByte('.')
			}
		}
		fmt.Println(sb.String())
	}
	var verifiedBytes int64
	for _, d := range chunks {
		if d.IsVerified() {
			verifiedBytes += d.Len()
		}
	}
	fmt.Printf("%s: %d/%d pieces verified (%s of %s)\n",
		info.BestName(), bf.PiecesComplete(), bf.PiecesTotal(),
		humanize.IBytes(uint64(verifiedBytes)), humanize.IBytes(uint64(info.TotalLength())))
	if flags.Summary {
		fmt.Println("----------------")
		fmt.Println(" TORRENT-VERIFY ")
		fmt.Println("----------------")
		fmt.Printf("Number of correct pieces: %d\n", bf.PiecesComplete())
		fmt.Printf("Number of wrong or missing pieces: %d\n", bf.PiecesIncomplete())
	}
	return nil
}
