package nexus

import (
	"errors"

	"github.com/rclone/gonexus/bdev"
	"github.com/rclone/gonexus/completion"
	"golang.org/x/sys/unix"
)

// cryptoFlavour is the only crypto vbdev flavour nexuses are encrypted with
const cryptoFlavour = bdev.FlavourAesniMb

// CryptoName is the name of the crypto vbdev interposed on top of the nexus
// called name when it is shared with a key.
func CryptoName(name string) string {
	return "crypto-" + name
}

// createCryptoBdev interposes a crypto vbdev on top of the nexus and returns
// its name, which is what gets exported.
func (n *Nexus) createCryptoBdev(key string) (string, error) {
	name := CryptoName(n.name)
	k := []byte(key)
	defer clear(k)

	s, r := completion.New()
	n.devices.CreateCryptoDisk(n.name, name, cryptoFlavour, k, s.Done)
	if err := r.Wait(); err != nil {
		return "", &Error{Kind: KindCreateCryptoBdev, Name: n.name, Err: err}
	}
	n.logger.Printf("[INFO] Nexus %s is encrypted by %s", n.name, name)
	return name, nil
}

// destroyCryptoBdev removes the crypto vbdev dev from the top of the nexus.
// A vbdev which has already gone is only worth a warning.
func (n *Nexus) destroyCryptoBdev(dev bdev.Device) error {
	s, r := completion.New()
	n.devices.DeleteCryptoDisk(dev, s.Done)
	err := r.Wait()
	switch {
	case err == nil:
		n.logger.Printf("[INFO] Removed %s from nexus %s", dev.Name(), n.name)
		return nil
	case errors.Is(err, unix.ENODEV):
		n.logger.Printf("[WARN] Crypto bdev %s of nexus %s already removed", dev.Name(), n.name)
		return nil
	default:
		return &Error{Kind: KindDestroyCryptoBdev, Name: n.name, Err: err}
	}
}
