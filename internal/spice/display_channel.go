// DisplayChannel decodes the subset of the display protocol needed for a
// viewable framebuffer: surface create/destroy and the raw/solid-fill
// draw variants. Grounded on spec §4.6.5; codecs and composite ops are an
// explicit non-goal.
package spice

import (
	"encoding/binary"
	"log"
	"sync"
)

// PixelFormat tags the surface's pixel encoding. The core only decodes
// enough to store raw bytes; it does not interpret color channels beyond
// what Presenter implementations need.
type PixelFormat uint32

// Surface is a 2D pixel buffer addressed by a u32 id.
type Surface struct {
	ID     uint32
	Width  uint32
	Height uint32
	Format PixelFormat
	Pixels []byte
}

// Presenter is the narrow external adapter the Display channel drives.
// Replacing the presenter never touches the engine, per spec §9.
type Presenter interface {
	Present(surfaceID uint32, pixels []byte, width, height uint32, format PixelFormat)
	Resize(width, height uint32)
	SetCursor(shape CursorShape)
}

// DisplayChannel tracks surfaces and forwards decoded frames to a Presenter.
type DisplayChannel struct {
	conn      *Connection
	presenter Presenter

	mu       sync.Mutex
	surfaces map[uint32]*Surface
	primary  uint32
}

// NewDisplayChannel dials, hands shakes, and attaches presenter.
func NewDisplayChannel(addr string, password string, channelID uint8, connectionID uint32, presenter Presenter) (*DisplayChannel, error) {
	conn, err := Dial(addr, ChannelDisplay, channelID, connectionID)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(password); err != nil {
		conn.Close()
		return nil, err
	}
	return &DisplayChannel{conn: conn, presenter: presenter, surfaces: make(map[uint32]*Surface)}, nil
}

// Run reads and dispatches display messages until error or disconnect.
func (d *DisplayChannel) Run() error {
	for {
		header, payload, err := d.conn.ReadMessage()
		if err != nil {
			return err
		}
		d.handleMessage(header, payload)
	}
}

func (d *DisplayChannel) handleMessage(header DataHeader, payload []byte) {
	switch header.MsgType {
	case DisplaySurfaceCreate:
		d.handleSurfaceCreate(payload)
	case DisplaySurfaceDestroy:
		d.handleSurfaceDestroy(payload)
	case DisplayDrawFill:
		d.handleDrawFill(payload)
	case DisplayDrawOpaque, DisplayDrawCopy:
		d.handleDrawCopy(payload)
	case DisplayMode:
		d.handleModeSet(payload)
	case DisplayMark, DisplayReset:
		// bookkeeping the core does not cache; no-op per spec §4.6.5.
	default:
		log.Printf("spice: unsupported display message type %d (%d bytes), skipping", header.MsgType, header.MsgSize)
	}
}

// surfaceCreate wire layout: id u32, width u32, height u32, format u32, flags u32
func (d *DisplayChannel) handleSurfaceCreate(payload []byte) {
	if len(payload) < 20 {
		log.Printf("spice: short surface-create payload")
		return
	}
	id := binary.LittleEndian.Uint32(payload[0:4])
	width := binary.LittleEndian.Uint32(payload[4:8])
	height := binary.LittleEndian.Uint32(payload[8:12])
	format := PixelFormat(binary.LittleEndian.Uint32(payload[12:16]))

	surf := &Surface{ID: id, Width: width, Height: height, Format: format, Pixels: make([]byte, width*height*4)}

	d.mu.Lock()
	if len(d.surfaces) == 0 {
		d.primary = id
	}
	d.surfaces[id] = surf
	d.mu.Unlock()

	if d.presenter != nil {
		d.presenter.Resize(width, height)
	}
}

func (d *DisplayChannel) handleSurfaceDestroy(payload []byte) {
	if len(payload) < 4 {
		return
	}
	id := binary.LittleEndian.Uint32(payload[0:4])
	d.mu.Lock()
	delete(d.surfaces, id)
	d.mu.Unlock()
}

// handleDrawFill decodes the solid-fill variant: surface_id u32, x,y,w,h
// u32 destination rect, rgba u32 color. This is the minimum raster form
// the core commits to, per spec §4.6.5.
func (d *DisplayChannel) handleDrawFill(payload []byte) {
	if len(payload) < 24 {
		log.Printf("spice: short draw-fill payload")
		return
	}
	surfaceID := binary.LittleEndian.Uint32(payload[0:4])
	x := binary.LittleEndian.Uint32(payload[4:8])
	y := binary.LittleEndian.Uint32(payload[8:12])
	w := binary.LittleEndian.Uint32(payload[12:16])
	h := binary.LittleEndian.Uint32(payload[16:20])
	color := payload[20:24]

	d.mu.Lock()
	surf, ok := d.surfaces[surfaceID]
	d.mu.Unlock()
	if !ok {
		return
	}
	fillRect(surf, x, y, w, h, color)
	d.present(surf)
}

// handleDrawCopy decodes the raw-bitmap variant: surface_id u32,
// x,y,w,h u32 destination rect, followed by w*h*4 raw BGRA bytes.
func (d *DisplayChannel) handleDrawCopy(payload []byte) {
	if len(payload) < 20 {
		log.Printf("spice: short draw-copy payload")
		return
	}
	surfaceID := binary.LittleEndian.Uint32(payload[0:4])
	x := binary.LittleEndian.Uint32(payload[4:8])
	y := binary.LittleEndian.Uint32(payload[8:12])
	w := binary.LittleEndian.Uint32(payload[12:16])
	h := binary.LittleEndian.Uint32(payload[16:20])

	d.mu.Lock()
	surf, ok := d.surfaces[surfaceID]
	d.mu.Unlock()
	if !ok {
		return
	}

	need := int(w) * int(h) * 4
	pixels := payload[20:]
	if len(pixels) > need {
		pixels = pixels[:need]
	}
	blitRect(surf, x, y, w, h, pixels)
	d.present(surf)
}

func (d *DisplayChannel) handleModeSet(payload []byte) {
	if len(payload) < 8 {
		return
	}
	width := binary.LittleEndian.Uint32(payload[0:4])
	height := binary.LittleEndian.Uint32(payload[4:8])

	d.mu.Lock()
	surf, ok := d.surfaces[d.primary]
	d.mu.Unlock()
	if !ok {
		return
	}
	surf.Width = width
	surf.Height = height
	surf.Pixels = make([]byte, width*height*4)
	if d.presenter != nil {
		d.presenter.Resize(width, height)
	}
}

func (d *DisplayChannel) present(surf *Surface) {
	if d.presenter != nil {
		d.presenter.Present(surf.ID, surf.Pixels, surf.Width, surf.Height, surf.Format)
	}
}

func fillRect(surf *Surface, x, y, w, h uint32, color []byte) {
	for row := y; row < y+h && row < surf.Height; row++ {
		for col := x; col < x+w && col < surf.Width; col++ {
			idx := (row*surf.Width + col) * 4
			if int(idx)+4 <= len(surf.Pixels) {
				copy(surf.Pixels[idx:idx+4], color)
			}
		}
	}
}

func blitRect(surf *Surface, x, y, w, h uint32, src []byte) {
	srcStride := int(w) * 4
	for row := uint32(0); row < h && y+row < surf.Height; row++ {
		srcStart := int(row) * srcStride
		srcEnd := srcStart + srcStride
		if srcEnd > len(src) {
			break
		}
		dstStart := int((y+row)*surf.Width+x) * 4
		dstEnd := dstStart + srcStride
		if dstEnd > len(surf.Pixels) {
			continue
		}
		copy(surf.Pixels[dstStart:dstEnd], src[srcStart:srcEnd])
	}
}

// PrimarySurface returns a snapshot of the current primary surface, if any.
func (d *DisplayChannel) PrimarySurface() (Surface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	surf, ok := d.surfaces[d.primary]
	if !ok {
		return Surface{}, false
	}
	return *surf, true
}

// Close closes the underlying connection.
func (d *DisplayChannel) Close() error { return d.conn.Close() }
