// Package imaging fetches remote images and re-encodes them within a width
// and byte budget.
package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

var (
	ErrFetch     = errors.New("fetch image")
	ErrTranscode = errors.New("transcode image")
	ErrTooLarge  = errors.New("image too large")
)

// ErrHostNotAllowed is returned for sources outside the allowed hosts or on a
// private network.
var ErrHostNotAllowed = errors.New("image host not allowed")

// ContentType is the media type of every normalized image.
const ContentType = "image/jpeg"

// minWidth is the narrowest output tried before giving up on the byte budget.
const minWidth = 32

// Options bounds the normalized output and the sources it is read from.
type Options struct {
	MaxWidth       int
	Quality        int
	MaxBytes       int64
	MaxSourceBytes int64
	// MaxSourcePixels caps width*height as declared by the source header.
	MaxSourcePixels int64
	MinQuality      int
	// AllowedHosts restricts sources to these hosts and their subdomains.
	// Empty allows any host.
	AllowedHosts []string
	// BlockPrivateNetworks refuses to connect to loopback, private and
	// link-local addresses. It only applies to the client New builds.
	BlockPrivateNetworks bool
}

// defaultMaxPixels is 16383x16383.
const defaultMaxPixels = 0x3FFF * 0x3FFF

func DefaultOptions() Options {
	return Options{
		MaxWidth:        1600,
		Quality:         80,
		MaxBytes:        4 << 20,
		MaxSourceBytes:  32 << 20,
		MaxSourcePixels: defaultMaxPixels,
		MinQuality:      40,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxWidth <= 0 {
		o.MaxWidth = d.MaxWidth
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = d.Quality
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = d.MaxBytes
	}
	if o.MaxSourceBytes <= 0 {
		o.MaxSourceBytes = d.MaxSourceBytes
	}
	if o.MaxSourcePixels <= 0 {
		o.MaxSourcePixels = d.MaxSourcePixels
	}
	if o.MinQuality <= 0 || o.MinQuality > o.Quality {
		o.MinQuality = min(d.MinQuality, o.Quality)
	}
	return o
}

// Result is a normalized image.
type Result struct {
	Body        []byte
	ContentType string
	Width       int
	Height      int
}

// Normalizer fetches and re-encodes images.
type Normalizer struct {
	opts   Options
	client *http.Client
}

// New returns a Normalizer. A nil client gets a default one with a timeout,
// which refuses private addresses when BlockPrivateNetworks is set.
func New(opts Options, client *http.Client) *Normalizer {
	opts = opts.withDefaults()
	if client == nil {
		client = newClient(opts.BlockPrivateNetworks)
	}
	n := &Normalizer{opts: opts, client: client}
	if len(opts.AllowedHosts) > 0 && client.CheckRedirect == nil {
		c := *client
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return n.checkHost(req.URL)
		}
		n.client = &c
	}
	return n
}

func newClient(blockPrivate bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if blockPrivate {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   refusePrivate,
		}
		transport.Proxy = nil
		transport.DialContext = dialer.DialContext
	}
	return &http.Client{Timeout: 60 * time.Second, Transport: transport}
}

// refusePrivate runs after name resolution, so it sees the address actually
// dialed.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, ip)
	}
	return nil
}

func (n *Normalizer) checkHost(u *url.URL) error {
	if len(n.opts.AllowedHosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range n.opts.AllowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed != "" && (host == allowed || strings.HasSuffix(host, "."+allowed)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

func (n *Normalizer) Options() Options {
	return n.opts
}

// Descriptor returns the output constraints applied to sourceURL.
func (n *Normalizer) Descriptor(sourceURL string) ir.AssetDescriptor {
	return ir.AssetDescriptor{
		SourceURL: sourceURL,
		MaxWidth:  n.opts.MaxWidth,
		Format:    "jpeg",
		Quality:   n.opts.Quality,
		MaxBytes:  n.opts.MaxBytes,
	}
}

func (n *Normalizer) open(ctx context.Context, sourceURL string) (io.ReadCloser, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrFetch, sourceURL)
	}
	if err := n.checkHost(u); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetch, u.Host, resp.StatusCode)
	}
	return resp.Body, nil
}

// Fetch downloads the source image, bounded by MaxSourceBytes.
func (n *Normalizer) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	body, err := n.open(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, n.opts.MaxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if int64(len(data)) > n.opts.MaxSourceBytes {
		return nil, fmt.Errorf("%w: source exceeds %d bytes", ErrTooLarge, n.opts.MaxSourceBytes)
	}
	return data, nil
}

// Normalize fetches sourceURL and transcodes it in memory.
func (n *Normalizer) Normalize(ctx context.Context, sourceURL string) (*Result, error) {
	data, err := n.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	return n.Transcode(data)
}

// Transcode resizes src to at most MaxWidth, never enlarging it, and encodes
// it as JPEG. While the output exceeds MaxBytes the quality is lowered in
// steps of 10 down to MinQuality, then the width is cut by a quarter.
func (n *Normalizer) Transcode(src []byte) (*Result, error) {
	img, err := n.decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}

	width := min(img.Bounds().Dx(), n.opts.MaxWidth)
	var buf bytes.Buffer
	for {
		scaled := resize(img, width)
		for q := n.opts.Quality; ; q -= 10 {
			if q < n.opts.MinQuality {
				q = n.opts.MinQuality
			}
			buf.Reset()
			if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: q}); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrTranscode, err)
			}
			if int64(buf.Len()) <= n.opts.MaxBytes {
				b := scaled.Bounds()
				return &Result{
					Body:        bytes.Clone(buf.Bytes()),
					ContentType: ContentType,
					Width:       b.Dx(),
					Height:      b.Dy(),
				}, nil
			}
			if q == n.opts.MinQuality {
				break
			}
		}
		if width <= minWidth {
			return nil, fmt.Errorf("%w: cannot fit %d bytes", ErrTooLarge, n.opts.MaxBytes)
		}
		width = max(width*3/4, minWidth)
	}
}

// Stream fetches sourceURL and writes the resized JPEG straight to w. The
// output size is not known in advance and the byte budget is not applied.
func (n *Normalizer) Stream(ctx context.Context, sourceURL string, w io.Writer) (string, error) {
	body, err := n.open(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	img, err := n.decode(io.LimitReader(body, n.opts.MaxSourceBytes))
	if err != nil {
		return "", err
	}
	scaled := resize(img, min(img.Bounds().Dx(), n.opts.MaxWidth))
	if err := jpeg.Encode(w, scaled, &jpeg.Options{Quality: n.opts.Quality}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	return ContentType, nil
}

// decode reads the header first and refuses images whose declared size
// exceeds MaxSourcePixels before any pixel buffer is allocated.
func (n *Normalizer) decode(r io.Reader) (image.Image, error) {
	var head bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > n.opts.MaxSourcePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, n.opts.MaxSourcePixels)
	}
	img, _, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscode, err)
	}
	return img, nil
}

// resize scales img to width keeping its aspect ratio and flattens any
// transparency onto white.
func resize(img image.Image, width int) *image.RGBA {
	src := img.Bounds()
	height := src.Dy()
	if src.Dx() > 0 && width != src.Dx() {
		height = max(1, int(float64(src.Dy())*float64(width)/float64(src.Dx())+0.5))
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if width == src.Dx() && height == src.Dy() {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
	return dst
}
