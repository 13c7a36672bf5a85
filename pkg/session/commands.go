package session

import (
	"fmt"

	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/domainkey"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

func (h *Handler) create(s *Session, req *wire.CreateRequest) result {
	if !domainkey.ValidDomainName(req.Domain) {
		r := reject(wire.StatusNOK, "invalid domain name")
		r.domain = req.Domain
		return r
	}
	_, created := h.dir.Domains.Create(req.Domain, s.user, req.OwnerKey)
	r := status(wire.StatusOK)
	if !created {
		r = reject(wire.StatusNOK, "domain exists")
	}
	r.domain = req.Domain
	return r
}

func (h *Handler) add(s *Session, req *wire.AddRequest) result {
	r := h.addMember(s, req)
	r.domain, r.target = req.Domain, req.UserID
	return r
}

func (h *Handler) addMember(s *Session, req *wire.AddRequest) result {
	dm, ok := h.dir.Domains.Get(req.Domain)
	if !ok {
		return status(wire.StatusNoDomain)
	}
	if !dm.IsOwner(s.userID) {
		return reject(wire.StatusNoPerm, "caller is not the owner")
	}
	target, ok := h.dir.Users.Get(req.UserID)
	if !ok {
		return status(wire.StatusNoUser)
	}
	if !dm.AddMember(target, req.WrappedKey) {
		return status(wire.StatusAlreadyAdded)
	}
	return status(wire.StatusOK)
}

func (h *Handler) registerDevice(s *Session, req *wire.DomainRequest) result {
	r := func() result {
		dm, ok := h.dir.Domains.Get(req.Domain)
		if !ok {
			return status(wire.StatusNoDomain)
		}
		if !dm.IsMember(s.userID) {
			return reject(wire.StatusNoPerm, "caller is not a member")
		}
		if !dm.AddDevice(s.device) {
			return status(wire.StatusAlreadyAdded)
		}
		return status(wire.StatusOK)
	}()
	r.domain, r.target = req.Domain, s.deviceKey()
	return r
}

// publish stores each blob in its domain when the bound device is
// registered there. Other entries are dropped; the reply is always OK.
func (h *Handler) publish(s *Session, op wire.OpCode, req *wire.PublishRequest) result {
	stored := 0
	for name, blob := range req.Blobs {
		dm, ok := h.dir.Domains.Get(name)
		if !ok {
			continue
		}
		var kept bool
		if op == wire.OpPublishTemperature {
			kept = dm.SetTemperature(s.device, blob)
		} else {
			kept = dm.SetImage(s.device, blob)
		}
		if kept {
			stored++
		}
	}
	r := status(wire.StatusOK)
	r.detail = fmt.Sprintf("stored %d of %d", stored, len(req.Blobs))
	return r
}

func (h *Handler) readTemperatures(s *Session, req *wire.DomainRequest) result {
	r := func() result {
		dm, ok := h.dir.Domains.Get(req.Domain)
		if !ok {
			return status(wire.StatusNoDomain)
		}
		key, ok := dm.WrappedKey(s.userID)
		if !ok {
			return reject(wire.StatusNoPerm, "caller is not a member")
		}
		temps := dm.Temperatures()
		if len(temps) == 0 {
			return status(wire.StatusNoData)
		}
		return payload(&wire.ReadTemperaturesResponse{Temperatures: temps, WrappedKey: key})
	}()
	r.domain = req.Domain
	return r
}

// readImage returns the image of a device from the first of the caller's
// domains, by name, that holds one.
func (h *Handler) readImage(s *Session, req *wire.ReadImageRequest) result {
	r := func() result {
		if _, _, err := directory.ParseKey(req.DeviceID); err != nil {
			return reject(wire.StatusNoID, err.Error())
		}
		if _, ok := h.dir.Devices.Get(req.DeviceID); !ok {
			return status(wire.StatusNoID)
		}

		shared := false
		for _, dm := range h.dir.Domains.ContainingUser(s.userID) {
			if !dm.HasDevice(req.DeviceID) {
				continue
			}
			shared = true
			img, ok := dm.Image(req.DeviceID)
			if !ok {
				continue
			}
			key, _ := dm.WrappedKey(s.userID)
			r := payload(&wire.ReadImageResponse{Image: img, WrappedKey: key})
			r.domain = dm.Name()
			return r
		}
		if shared {
			return status(wire.StatusNoData)
		}
		return reject(wire.StatusNoPerm, "no shared domain")
	}()
	r.target = req.DeviceID
	return r
}

func (h *Handler) myDomains(s *Session) result {
	domains := h.dir.Domains.ContainingDevice(s.device)
	names := make([]string, 0, len(domains))
	for _, dm := range domains {
		names = append(names, dm.Name())
	}
	return payload(&wire.MyDomainsResponse{Domains: names})
}

func (h *Handler) domainKeys(s *Session) result {
	keys := make(map[string][]byte)
	for _, dm := range h.dir.Domains.ContainingDevice(s.device) {
		if k, ok := dm.WrappedKey(s.userID); ok {
			keys[dm.Name()] = k
		}
	}
	return payload(&wire.DomainKeysResponse{Keys: keys})
}
