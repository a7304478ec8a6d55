// flashimg packs and unpacks emulated flash images. Raw images are mostly
// erased blocks, so LZMA shrinks them dramatically, which makes archiving
// and shipping test images cheap.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"
	"github.com/urfave/cli/v2"
)

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:  "flashimg",
		Usage: "pack and unpack emulated flash images",
		Commands: []*cli.Command{
			{
				Name:      "pack",
				Usage:     "compress a raw flash image",
				ArgsUsage: "<raw image> <packed output>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("expected <raw image> <packed output>")
					}
					return pack(c.Args().Get(0), c.Args().Get(1))
				},
			},
			{
				Name:      "unpack",
				Usage:     "decompress a packed flash image",
				ArgsUsage: "<packed image> <raw output>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 2 {
						return fmt.Errorf("expected <packed image> <raw output>")
					}
					return unpack(c.Args().Get(0), c.Args().Get(1))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func pack(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer out.Close()

	w, err := lzma.NewWriter(out)
	if err != nil {
		return fmt.Errorf("creating compressor: %w", err)
	}
	n, err := io.Copy(w, in)
	if err != nil {
		return fmt.Errorf("compressing: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing stream: %w", err)
	}
	log.WithFields(logrus.Fields{"bytes": n, "output": dst}).Info("packed image")
	return nil
}

func unpack(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening packed image: %w", err)
	}
	defer in.Close()

	r, err := lzma.NewReader(in)
	if err != nil {
		return fmt.Errorf("creating decompressor: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, r)
	if err != nil {
		return fmt.Errorf("decompressing: %w", err)
	}
	log.WithFields(logrus.Fields{"bytes": n, "output": dst}).Info("unpacked image")
	return nil
}
