package client

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/domainkey"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

// command is call for domain commands: the handshake must have completed.
func (d *Driver) command(ctx context.Context, op wire.OpCode, req, out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.authenticated {
		return ErrNotAuthenticated
	}
	return d.call(ctx, op, req, out)
}

func (d *Driver) requireParams() error {
	if d.config.Params == nil {
		return errors.New("client: no domain parameter store configured")
	}
	return nil
}

// Create creates domain with the caller as owner. The domain key is derived
// from password; its parameters are created locally on first use.
func (d *Driver) Create(ctx context.Context, domain, password string) error {
	if err := d.requireParams(); err != nil {
		return err
	}
	if !domainkey.ValidDomainName(domain) {
		return fmt.Errorf("%w: %q", domainkey.ErrInvalidDomain, domain)
	}
	key, err := d.config.Params.DeriveKey(domain, password)
	if err != nil {
		return err
	}
	wrapped, err := cert.WrapKeyFor(d.config.Identity.Certificate, key)
	if err != nil {
		return err
	}
	return d.command(ctx, wire.OpCreate, &wire.CreateRequest{Domain: domain, OwnerKey: wrapped}, nil)
}

// Add gives user access to domain by uploading the domain key wrapped under
// the user's certificate from the trust store. The domain's parameters must
// already exist locally.
func (d *Driver) Add(ctx context.Context, user, domain, password string) error {
	if err := d.requireParams(); err != nil {
		return err
	}
	if d.config.Trust == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, user)
	}
	recipient, err := d.config.Trust.Get(user)
	if err != nil {
		if errors.Is(err, cert.ErrCredentialNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownRecipient, user)
		}
		return err
	}
	params, err := d.config.Params.Load(domain)
	if err != nil {
		return err
	}
	key, err := domainkey.Derive(password, params)
	if err != nil {
		return err
	}
	wrapped, err := cert.WrapKeyFor(recipient, key)
	if err != nil {
		return err
	}
	return d.command(ctx, wire.OpAdd, &wire.AddRequest{UserID: user, Domain: domain, WrappedKey: wrapped}, nil)
}

// RegisterDevice adds the attested device to domain.
func (d *Driver) RegisterDevice(ctx context.Context, domain string) error {
	return d.command(ctx, wire.OpRegisterDevice, &wire.DomainRequest{Domain: domain}, nil)
}

// MyDomains lists the domains the device belongs to, sorted.
func (d *Driver) MyDomains(ctx context.Context) ([]string, error) {
	var resp wire.MyDomainsResponse
	if err := d.command(ctx, wire.OpMyDomains, nil, &resp); err != nil {
		return nil, err
	}
	sort.Strings(resp.Domains)
	return resp.Domains, nil
}

// DomainKeys returns the unwrapped key of every domain the device belongs
// to. A key that fails to unwrap is an error: it was not wrapped for us.
func (d *Driver) DomainKeys(ctx context.Context) (map[string][]byte, error) {
	var resp wire.DomainKeysResponse
	if err := d.command(ctx, wire.OpDomainKeys, nil, &resp); err != nil {
		return nil, err
	}
	keys := make(map[string][]byte, len(resp.Keys))
	for domain, wrapped := range resp.Keys {
		key, err := d.config.Identity.UnwrapKey(wrapped)
		if err != nil {
			return nil, fmt.Errorf("unwrapping key of %s: %w", domain, err)
		}
		keys[domain] = key
	}
	return keys, nil
}

// SendTemperature encrypts v under every domain key of the device and
// publishes it. It returns the domains it was published to.
func (d *Driver) SendTemperature(ctx context.Context, v float32) ([]string, error) {
	return d.publish(ctx, wire.OpPublishTemperature, domainkey.EncodeTemperature(v))
}

// SendImage is SendTemperature for image bytes.
func (d *Driver) SendImage(ctx context.Context, image []byte) ([]string, error) {
	return d.publish(ctx, wire.OpPublishImage, image)
}

func (d *Driver) publish(ctx context.Context, op wire.OpCode, plaintext []byte) ([]string, error) {
	keys, err := d.DomainKeys(ctx)
	if err != nil {
		return nil, err
	}

	blobs := make(map[string]wire.EncryptedBlob, len(keys))
	domains := make([]string, 0, len(keys))
	for domain, key := range keys {
		blob, err := domainkey.Seal(key, plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypting for %s: %w", domain, err)
		}
		blobs[domain] = blob
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	if err := d.command(ctx, op, &wire.PublishRequest{Blobs: blobs}, nil); err != nil {
		return nil, err
	}
	return domains, nil
}

// ReadTemperatures returns the latest temperature of each device of domain,
// keyed by "user:device".
func (d *Driver) ReadTemperatures(ctx context.Context, domain string) (map[string]float32, error) {
	var resp wire.ReadTemperaturesResponse
	if err := d.command(ctx, wire.OpReadTemperatures, &wire.DomainRequest{Domain: domain}, &resp); err != nil {
		return nil, err
	}
	key, err := d.config.Identity.UnwrapKey(resp.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key of %s: %w", domain, err)
	}

	temps := make(map[string]float32, len(resp.Temperatures))
	for device, blob := range resp.Temperatures {
		plain, err := domainkey.Open(key, blob)
		if err != nil {
			return nil, fmt.Errorf("decrypting temperature of %s: %w", device, err)
		}
		v, err := domainkey.DecodeTemperature(plain)
		if err != nil {
			return nil, fmt.Errorf("temperature of %s: %w", device, err)
		}
		temps[device] = v
	}
	return temps, nil
}

// ReadImage returns the latest image of the device "user:dev".
func (d *Driver) ReadImage(ctx context.Context, device string) ([]byte, error) {
	var resp wire.ReadImageResponse
	if err := d.command(ctx, wire.OpReadImage, &wire.ReadImageRequest{DeviceID: device}, &resp); err != nil {
		return nil, err
	}
	key, err := d.config.Identity.UnwrapKey(resp.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping image key: %w", err)
	}
	return domainkey.Open(key, resp.Image)
}
