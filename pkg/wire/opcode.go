package wire

//go:generate go run ../../cmd/iotvault-opgen -input opcodes.yaml -output opcode_gen.go

// IsHandshake reports whether op belongs to the authentication handshake.
func (c OpCode) IsHandshake() bool {
	return c >= OpKeyAuthentication && c <= OpAttestationHash
}

// IsDomainCommand reports whether op is only accepted once a session is
// authenticated.
func (c OpCode) IsDomainCommand() bool {
	return c.IsRequest() && !c.IsHandshake()
}

// HasPayload reports whether requests with this op carry a payload.
func (c OpCode) HasPayload() bool {
	switch c {
	case OpMyDomains, OpDomainKeys:
		return false
	}
	return c.IsRequest()
}
