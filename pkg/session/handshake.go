package session

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/iotvault/iotvault-go/pkg/attestation"
	"github.com/iotvault/iotvault-go/pkg/cert"
	"github.com/iotvault/iotvault-go/pkg/directory"
	"github.com/iotvault/iotvault-go/pkg/log"
	"github.com/iotvault/iotvault-go/pkg/otp"
	"github.com/iotvault/iotvault-go/pkg/wire"
)

func (h *Handler) keyAuth(s *Session, req *wire.KeyAuthRequest) result {
	nonce, err := h.newNonce()
	if err != nil {
		h.logger.Error("nonce generation failed", "error", err)
		return reject(wire.StatusNOK, "nonce generation failed")
	}

	s.userID = req.UserID
	s.user, _ = h.dir.Users.Get(req.UserID)
	s.newUser = s.user == nil
	s.nonce = nonce
	h.transition(s)

	r := payload(&wire.KeyAuthResponse{NewUser: s.newUser, Nonce: nonce})
	r.target = req.UserID
	if s.newUser {
		r.detail = "new user"
	}
	return r
}

// failAttempt answers NOK and closes the connection once the step's
// attempt budget is used up.
func (h *Handler) failAttempt(s *Session, detail string) result {
	s.attempts++
	r := reject(wire.StatusNOK, detail)
	if s.attempts >= h.maxAttempts {
		r.close = true
		r.detail = fmt.Sprintf("%s (attempt %d of %d, closing)", detail, s.attempts, h.maxAttempts)
	}
	return r
}

func (h *Handler) signedNonce(ctx context.Context, s *Session, req *wire.SignedNonceRequest) result {
	var c *x509.Certificate
	if s.newUser {
		if len(req.Certificate) == 0 {
			return h.failAttempt(s, "new user sent no credential")
		}
		parsed, err := cert.ParseCredential(req.Certificate)
		if err != nil {
			return h.failAttempt(s, err.Error())
		}
		c = parsed
	} else {
		if s.user == nil {
			s.user, _ = h.dir.Users.Get(s.userID)
		}
		if s.user == nil {
			return h.failAttempt(s, "user not in directory")
		}
		stored, err := h.creds.Get(s.userID)
		if err != nil {
			h.logger.Warn("credential lookup failed", "user", s.userID, "error", err)
			return h.failAttempt(s, "no usable stored credential")
		}
		c = stored
	}

	if err := cert.VerifyNonce(c, s.nonce, req.Signature); err != nil {
		return h.failAttempt(s, err.Error())
	}

	if s.newUser {
		u, err := h.register(s.userID, c)
		if err != nil {
			// The id is taken now; further tries verify against the winner's
			// credential.
			s.newUser = false
			s.user, _ = h.dir.Users.Get(s.userID)
			return h.failAttempt(s, err.Error())
		}
		s.user = u
		s.newUser = false
	}

	code, err := h.newCode()
	if err != nil {
		h.logger.Error("code generation failed", "error", err)
		return reject(wire.StatusNOK, "code generation failed")
	}
	if err := h.sender.Send(ctx, s.userID, code); err != nil {
		h.metrics.OTPDelivery(false)
		h.logger.Error("one-time code delivery failed", "user", s.userID, "error", err)
		r := reject(wire.StatusNOK, "one-time code delivery failed")
		r.close = true
		return r
	}
	h.metrics.OTPDelivery(true)

	s.code = code
	h.transition(s)
	return status(wire.StatusOK)
}

var errUserExists = errors.New("user created concurrently")

// register stores the credential and creates the user. The check, the
// credential write and the insert happen under one per-user lock so a
// losing registration never overwrites the winner's credential.
func (h *Handler) register(userID string, c *x509.Certificate) (*directory.User, error) {
	unlock := h.registration.Lock(userID)
	defer unlock()

	if h.dir.Users.Exists(userID) {
		return nil, errUserExists
	}
	ref, err := h.creds.Put(userID, c)
	if err != nil {
		h.logger.Error("storing credential failed", "user", userID, "error", err)
		return nil, fmt.Errorf("storing credential: %w", err)
	}
	u, created := h.dir.Users.Create(userID, ref)
	if !created {
		return nil, errUserExists
	}
	return u, nil
}

func (h *Handler) twoFactor(s *Session, req *wire.TwoFactorRequest) result {
	if !otp.Match(s.code, req.Code) {
		return h.failAttempt(s, "wrong one-time code")
	}
	s.code = ""
	h.transition(s)
	return status(wire.StatusOK)
}

func (h *Handler) attest(s *Session, req *wire.AttestationRequest) result {
	key := directory.DeviceKey(s.userID, req.DeviceID)

	dev, err := h.dir.Devices.Attest(s.user, req.DeviceID)
	if err != nil {
		r := reject(wire.StatusNOK, err.Error())
		r.target = key
		r.close = true
		return r
	}
	s.device = dev
	h.logState(s, log.StateEntityDevice, "OFF", "ON", "attested")

	nonce, err := h.newNonce()
	if err != nil {
		h.logger.Error("nonce generation failed", "error", err)
		r := reject(wire.StatusNOK, "nonce generation failed")
		r.close = true
		return r
	}
	s.nonce = nonce
	h.transition(s)

	r := payload(&wire.AttestationResponse{Nonce: nonce})
	r.target = key
	return r
}

func (h *Handler) attestHash(s *Session, req *wire.AttestationHashRequest) result {
	if err := h.verifier.Verify(s.nonce, req.Hash); err != nil {
		if !errors.Is(err, attestation.ErrMismatch) {
			h.logger.Error("attestation check failed", "device", s.deviceKey(), "error", err)
		}
		r := reject(wire.StatusNOK, err.Error())
		r.close = true
		return r
	}
	h.transition(s)
	return status(wire.StatusOK)
}
