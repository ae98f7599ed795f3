// aegis-consoleprobe is a headless SPICE console client: it connects to
// a live VM's framebuffer port, runs the main and display channel
// protocols, and reports the decoded primary surface's dimensions. It
// exercises the Protocol Engine end-to-end without a GUI, filling the
// role of the original's spice-e2e-test.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/xfeldman/aegisvm/internal/spice"
)

// nullPresenter discards frames; the probe only reports metadata.
type nullPresenter struct {
	frames int
}

func (p *nullPresenter) Present(surfaceID uint32, pixels []byte, width, height uint32, format spice.PixelFormat) {
	p.frames++
}
func (p *nullPresenter) Resize(width, height uint32)      {}
func (p *nullPresenter) SetCursor(shape spice.CursorShape) {}

func main() {
	addr := flag.String("addr", "127.0.0.1:5930", "framebuffer host:port")
	password := flag.String("password", "", "SPICE ticket password")
	watch := flag.Duration("watch", 2*time.Second, "how long to watch for frames before reporting")
	flag.Parse()

	log.SetFlags(log.LstdFlags)

	mainCh, err := spice.NewMainChannel(*addr, *password)
	if err != nil {
		log.Fatalf("main channel: %v", err)
	}
	defer mainCh.Close()

	if err := mainCh.Initialize(); err != nil {
		log.Fatalf("main channel initialize: %v", err)
	}

	channels := mainCh.GetChannelsList()
	log.Printf("server offers %d channels", len(channels))

	presenter := &nullPresenter{}
	display, err := spice.NewDisplayChannel(*addr, *password, 0, mainCh.SessionID(), presenter)
	if err != nil {
		log.Fatalf("display channel: %v", err)
	}
	defer display.Close()

	go func() {
		if err := display.Run(); err != nil {
			log.Printf("display channel ended: %v", err)
		}
	}()

	time.Sleep(*watch)

	surf, ok := display.PrimarySurface()
	if !ok {
		fmt.Println("no primary surface observed")
		return
	}
	fmt.Printf("primary surface: %dx%d, %d frames presented\n", surf.Width, surf.Height, presenter.frames)
}
