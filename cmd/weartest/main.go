// weartest hammers an FTL with a pathological workload: a static region
// that is written once and a hot region that takes a million random
// writes. If static wear leveling works, the terminal PE counts stay
// within the divergence bound even for blocks holding the cold data.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"

	spiftl "github.com/norflash/spiftl"
	"github.com/norflash/spiftl/pkg/flash/flashram"
)

var log = logrus.New()

func main() {
	seed := flag.Int64("seed", 12345, "random seed")
	size := flag.Int("size", 256*1024, "emulated flash size in bytes")
	writes := flag.Int("writes", 1000000, "random writes to the hot region")
	flag.Parse()

	log.WithField("seed", *seed).Info("starting FTL wear test")
	rng := rand.New(rand.NewSource(*seed))

	dev, err := flashram.New(*size)
	if err != nil {
		log.Fatal(err)
	}
	ftl, err := spiftl.New(dev, spiftl.Config{Logger: log})
	if err != nil {
		log.Fatal(err)
	}
	if _, err := ftl.Start(); err != nil {
		log.Fatal(err)
	}
	if !ftl.Check() {
		log.Fatal("invariant check failed after start")
	}

	flashLBAs := ftl.LBACount()
	buf := make([]byte, 512)

	// The first quarter of the LBAs is written once and never again.
	for i := 0; i < flashLBAs/4; i++ {
		fill(buf, fmt.Sprintf("lba %d", i))
		if err := ftl.Write(i, buf); err != nil {
			log.Fatal(err)
		}
	}

	// All remaining traffic hits the last three quarters, with the
	// occasional trim mixed in.
	for i := 0; i < *writes; i++ {
		off := rng.Intn(flashLBAs * 3 / 4)
		lba := flashLBAs/4 + off
		if i%100 == 0 {
			if err := ftl.Trim(lba); err != nil {
				log.Fatal(err)
			}
		} else {
			fill(buf, fmt.Sprintf("lba %d rewritten at %d", lba, i))
			if err := ftl.Write(lba, buf); err != nil {
				log.Fatal(err)
			}
		}
		if i%1000 == 0 {
			if !ftl.Check() {
				log.Fatalf("invariant check failed at write %d", i)
			}
			if i%100000 == 0 {
				log.WithField("write", i).Info("progress")
			}
		}
	}

	if err := ftl.Persist(); err != nil {
		log.Fatal(err)
	}

	min, max := 1<<30, 0
	for eb := 0; eb < ftl.EBCount(); eb++ {
		pe := ftl.PECount(eb)
		if pe < min {
			min = pe
		}
		if pe > max {
			max = pe
		}
		fmt.Fprintf(os.Stdout, "%-5d: %d\n", eb, int(ftl.PECountOffset())+pe)
	}
	log.WithFields(logrus.Fields{
		"min":           min,
		"max":           max,
		"peCountOffset": ftl.PECountOffset(),
	}).Info("terminal wear spread")
}

func fill(buf []byte, s string) {
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, s)
}
