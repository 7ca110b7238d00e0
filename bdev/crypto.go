package bdev

import (
	"crypto/aes"
	"crypto/sha256"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/xts"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// FlavourAesniMb is the crypto vbdev flavour: AES-256 in XTS mode, one XTS
// sector per block of the base device.
const FlavourAesniMb = "crypto_aesni_mb"

// cryptoFlavours maps flavour names to cipher constructors
var cryptoFlavours = map[string]func(key []byte) (*xts.Cipher, error){
	FlavourAesniMb: newAesXts,
}

// newAesXts derives a 512 bit XTS key from key
func newAesXts(key []byte) (*xts.Cipher, error) {
	if len(key) == 0 {
		return nil, unix.EINVAL
	}
	k := make([]byte, 64)
	defer clear(k)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(FlavourAesniMb)), k); err != nil {
		return nil, err
	}
	return xts.NewCipher(aes.NewCipher, k)
}

// cryptoDisk encrypts everything written through it to its base device
type cryptoDisk struct {
	name   string
	id     uuid.UUID
	base   *Descriptor
	cipher *xts.Cipher
}

// newCryptoDisk opens base and wraps it
func (r *Registry) newCryptoDisk(base, name, flavour string, key []byte) (*cryptoDisk, error) {
	newCipher, ok := cryptoFlavours[flavour]
	if !ok {
		return nil, unix.ENOTSUP
	}
	if _, exists := r.Lookup(name); exists {
		return nil, unix.EEXIST
	}
	c, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	d, err := r.Open(base)
	if err != nil {
		return nil, err
	}
	if d.Device().BlockSize()%aes.BlockSize != 0 {
		d.Close()
		return nil, unix.EINVAL
	}
	return &cryptoDisk{
		name:   name,
		id:     uuid.NewSHA1(d.Device().UUID(), []byte(name)),
		base:   d,
		cipher: c,
	}, nil
}

func (c *cryptoDisk) Name() string      { return c.name }
func (c *cryptoDisk) UUID() uuid.UUID   { return c.id }
func (c *cryptoDisk) Product() string   { return "crypto" }
func (c *cryptoDisk) BlockSize() uint32 { return c.base.Device().BlockSize() }
func (c *cryptoDisk) Size() uint64      { return c.base.Device().Size() }

// ReadAt reads whole blocks from the base device and decrypts them in place
func (c *cryptoDisk) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	if !Aligned(c, len(b), offset) {
		return 0, unix.EINVAL
	}
	n, err := c.base.Device().ReadAt(ctx, b, offset)
	bs := int(c.BlockSize())
	n -= n % bs
	sector := uint64(offset) / uint64(bs)
	for i := 0; i < n; i += bs {
		c.cipher.Decrypt(b[i:i+bs], b[i:i+bs], sector)
		sector++
	}
	return n, err
}

// WriteAt encrypts whole blocks into a scratch buffer and writes them to the
// base device
func (c *cryptoDisk) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	if !Aligned(c, len(b), offset) {
		return 0, unix.EINVAL
	}
	bs := int(c.BlockSize())
	enc := make([]byte, len(b))
	sector := uint64(offset) / uint64(bs)
	for i := 0; i < len(b); i += bs {
		c.cipher.Encrypt(enc[i:i+bs], b[i:i+bs], sector)
		sector++
	}
	return c.base.Device().WriteAt(ctx, enc, offset, fua)
}

// TrimAt passes the trim through to the base device
func (c *cryptoDisk) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return c.base.Device().TrimAt(ctx, length, offset)
}

// Flush flushes the base device
func (c *cryptoDisk) Flush(ctx context.Context) error {
	return c.base.Device().Flush(ctx)
}

// Close releases the base device
func (c *cryptoDisk) Close(ctx context.Context) error {
	c.base.Close()
	return nil
}
