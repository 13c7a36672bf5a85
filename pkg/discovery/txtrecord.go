package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap maps TXT keys to their values.
type TXTRecordMap map[string]string

// EncodeServerTXT builds the TXT record for an advertised server.
func EncodeServerTXT(info ServerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion: strconv.Itoa(int(info.Version)),
	}
	if info.ALPN != "" {
		txt[TXTKeyALPN] = info.ALPN
	}
	if info.Name != "" {
		txt[TXTKeyName] = info.Name
	}
	return txt
}

// DecodeServerTXT parses a TXT record into the advertised server fields.
// Instance and Port are not part of the record and stay zero.
func DecodeServerTXT(txt TXTRecordMap) (ServerInfo, error) {
	var info ServerInfo

	v, ok := txt[TXTKeyVersion]
	if !ok {
		return info, fmt.Errorf("%w: missing %s", ErrInvalidTXT, TXTKeyVersion)
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return info, fmt.Errorf("%w: %s=%q", ErrInvalidTXT, TXTKeyVersion, v)
	}
	info.Version = uint8(n)
	info.ALPN = txt[TXTKeyALPN]
	info.Name = txt[TXTKeyName]
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		if !found {
			// boolean flag
			v = ""
		}
		txt[k] = v
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceName)
	}
	if len(name) > MaxInstanceNameLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInstanceName, len(name), MaxInstanceNameLen)
	}
	return nil
}
