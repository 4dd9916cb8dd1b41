package proto

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	bencode "github.com/jackpal/bencode-go"

	"github.com/wisp-net/wisp/types"
)

// Compact encodings per BEP-5: a node is 20 bytes of ID followed by a
// 6-byte endpoint, an endpoint is 4 bytes of IPv4 followed by a
// big-endian port. IPv6 peers have no compact form here and are skipped.
const (
	compactEndpointLen = 6
	compactNodeLen     = types.IDLen + compactEndpointLen
)

// Encode serializes a message to its bencoded wire form.
func Encode(m *Message) ([]byte, error) {
	dict := map[string]interface{}{
		"t": string(tagBytes(m.Tag)),
	}
	switch m.Kind {
	case KindQuery:
		if m.Query == nil {
			return nil, EncodeError{}
		}
		args := map[string]interface{}{"id": string(m.Sender[:])}
		switch m.Query.Method {
		case MethodPing:
		case MethodFindNode:
			args["target"] = string(m.Query.Target[:])
		case MethodFindValue:
			args["info_hash"] = string(m.Query.Hash[:])
		case MethodStore:
			args["info_hash"] = string(m.Query.Hash[:])
			args["port"] = int64(m.Query.Port)
			args["token"] = string(m.Query.Token)
		default:
			return nil, EncodeError{}
		}
		dict["y"] = "q"
		dict["q"] = m.Query.Method.String()
		dict["a"] = args
	case KindResponse:
		if m.Response == nil {
			return nil, EncodeError{}
		}
		ret := map[string]interface{}{"id": string(m.Sender[:])}
		if m.Response.Nodes != nil {
			ret["nodes"] = string(encodeCompactNodes(m.Response.Nodes))
		}
		if m.Response.Values != nil {
			vals := make([]interface{}, 0, len(m.Response.Values))
			for _, ep := range m.Response.Values {
				if bs, ok := encodeCompactEndpoint(ep); ok {
					vals = append(vals, string(bs))
				}
			}
			ret["values"] = vals
		}
		if m.Response.Token != nil {
			ret["token"] = string(m.Response.Token)
		}
		dict["y"] = "r"
		dict["r"] = ret
	case KindError:
		if m.Err == nil {
			return nil, EncodeError{}
		}
		dict["y"] = "e"
		dict["e"] = []interface{}{int64(m.Err.Code), m.Err.Msg}
	default:
		return nil, EncodeError{}
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, dict); err != nil {
		return nil, EncodeError{}
	}
	return buf.Bytes(), nil
}

// Decode parses a datagram into a message. Anything malformed comes back
// as a DecodeError; the caller is expected to drop it.
func Decode(bs []byte) (*Message, error) {
	raw, err := bencode.Decode(bytes.NewReader(bs))
	if err != nil {
		return nil, DecodeError{}
	}
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, DecodeError{}
	}
	tag, ok := decodeTag(dict["t"])
	if !ok {
		return nil, DecodeError{}
	}
	y, _ := dict["y"].(string)
	m := &Message{Tag: tag}
	switch y {
	case "q":
		args, ok := dict["a"].(map[string]interface{})
		if !ok {
			return nil, DecodeError{}
		}
		sender, ok := decodeID(args["id"])
		if !ok {
			return nil, DecodeError{}
		}
		q := &QueryBody{}
		switch name, _ := dict["q"].(string); name {
		case "ping":
			q.Method = MethodPing
		case "find_node":
			q.Method = MethodFindNode
			if q.Target, ok = decodeID(args["target"]); !ok {
				return nil, DecodeError{}
			}
		case "get_peers":
			q.Method = MethodFindValue
			hash, ok := decodeID(args["info_hash"])
			if !ok {
				return nil, DecodeError{}
			}
			q.Hash = types.InfoHash(hash)
		case "announce_peer":
			q.Method = MethodStore
			hash, ok := decodeID(args["info_hash"])
			if !ok {
				return nil, DecodeError{}
			}
			q.Hash = types.InfoHash(hash)
			port, ok := args["port"].(int64)
			if !ok || port < 0 || port > 65535 {
				return nil, DecodeError{}
			}
			q.Port = uint16(port)
			token, ok := args["token"].(string)
			if !ok {
				return nil, DecodeError{}
			}
			q.Token = []byte(token)
		default:
			return nil, DecodeError{}
		}
		m.Kind = KindQuery
		m.Sender = sender
		m.Query = q
	case "r":
		ret, ok := dict["r"].(map[string]interface{})
		if !ok {
			return nil, DecodeError{}
		}
		sender, ok := decodeID(ret["id"])
		if !ok {
			return nil, DecodeError{}
		}
		r := &ResponseBody{}
		if nodes, isIn := ret["nodes"]; isIn {
			s, ok := nodes.(string)
			if !ok {
				return nil, DecodeError{}
			}
			if r.Nodes, ok = decodeCompactNodes([]byte(s)); !ok {
				return nil, DecodeError{}
			}
		}
		if values, isIn := ret["values"]; isIn {
			list, ok := values.([]interface{})
			if !ok {
				return nil, DecodeError{}
			}
			r.Values = make([]netip.AddrPort, 0, len(list))
			for _, v := range list {
				s, ok := v.(string)
				if !ok {
					return nil, DecodeError{}
				}
				ep, ok := decodeCompactEndpoint([]byte(s))
				if !ok {
					return nil, DecodeError{}
				}
				r.Values = append(r.Values, ep)
			}
		}
		if token, isIn := ret["token"]; isIn {
			s, ok := token.(string)
			if !ok {
				return nil, DecodeError{}
			}
			r.Token = []byte(s)
		}
		m.Kind = KindResponse
		m.Sender = sender
		m.Response = r
	case "e":
		list, ok := dict["e"].([]interface{})
		if !ok || len(list) < 2 {
			return nil, DecodeError{}
		}
		code, ok := list[0].(int64)
		if !ok {
			return nil, DecodeError{}
		}
		msg, ok := list[1].(string)
		if !ok {
			return nil, DecodeError{}
		}
		m.Kind = KindError
		m.Err = &ErrorBody{Code: int(code), Msg: msg}
	default:
		return nil, DecodeError{}
	}
	return m, nil
}

func tagBytes(tag uint16) []byte {
	bs := make([]byte, 2)
	binary.BigEndian.PutUint16(bs, tag)
	return bs
}

func decodeTag(v interface{}) (uint16, bool) {
	s, ok := v.(string)
	if !ok || len(s) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16([]byte(s)), true
}

func decodeID(v interface{}) (types.NodeID, bool) {
	var id types.NodeID
	s, ok := v.(string)
	if !ok || len(s) != types.IDLen {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

func encodeCompactEndpoint(ep netip.AddrPort) ([]byte, bool) {
	addr := ep.Addr().Unmap()
	if !addr.Is4() {
		return nil, false
	}
	a4 := addr.As4()
	bs := make([]byte, compactEndpointLen)
	copy(bs, a4[:])
	binary.BigEndian.PutUint16(bs[4:], ep.Port())
	return bs, true
}

func decodeCompactEndpoint(bs []byte) (netip.AddrPort, bool) {
	if len(bs) != compactEndpointLen {
		return netip.AddrPort{}, false
	}
	addr := netip.AddrFrom4([4]byte(bs[:4]))
	port := binary.BigEndian.Uint16(bs[4:])
	return netip.AddrPortFrom(addr, port), true
}

func encodeCompactNodes(peers []types.Peer) []byte {
	bs := make([]byte, 0, len(peers)*compactNodeLen)
	for _, p := range peers {
		ep, ok := encodeCompactEndpoint(p.Addr)
		if !ok {
			continue
		}
		bs = append(bs, p.ID[:]...)
		bs = append(bs, ep...)
	}
	return bs
}

func decodeCompactNodes(bs []byte) ([]types.Peer, bool) {
	if len(bs)%compactNodeLen != 0 {
		return nil, false
	}
	peers := make([]types.Peer, 0, len(bs)/compactNodeLen)
	for idx := 0; idx < len(bs); idx += compactNodeLen {
		var p types.Peer
		copy(p.ID[:], bs[idx:idx+types.IDLen])
		ep, ok := decodeCompactEndpoint(bs[idx+types.IDLen : idx+compactNodeLen])
		if !ok {
			return nil, false
		}
		p.Addr = ep
		peers = append(peers, p)
	}
	return peers, true
}
