package mediator

import (
	"fmt"
	"strings"

	"github.com/proxy-mediator/proxy-mediator/crypto"
)

// NewDIDDoc builds an already-normalized DID document for a local
// connection: one Ed25519 verification method and one did-communication
// service, matching the *output* shape of NormalizeLegacyDoc.
func NewDIDDoc(did, verkeyB58, endpoint string) map[string]any {
	did = qualified(did)
	vmID := did + "#1"
	return map[string]any{
		"@context": "https://w3id.org/did/v1",
		"id":       did,
		"verificationMethod": []any{
			map[string]any{
				"id":              vmID,
				"type":            "Ed25519VerificationKey2018",
				"controller":      did,
				"publicKeyBase58": verkeyB58,
			},
		},
		"authentication": []any{vmID},
		"service": []any{
			map[string]any{
				"id":              did + "#didcomm",
				"type":            "did-communication",
				"priority":        0,
				"recipientKeys":   []any{vmID},
				"serviceEndpoint": endpoint,
			},
		},
	}
}

// NormalizeLegacyDoc applies the legacy DID-document correction
// pipeline, in a fixed order: rename publicKey→verificationMethod;
// flatten authentication; fully qualify ids/controllers; rewrite
// IndyAgent services; drop routing keys mistakenly stored as
// verification methods; rewrite recipientKeys to verification-method
// refs and routingKeys to did:key refs. The pipeline is idempotent:
// normalizing an already-normalized document is a no-op.
func NormalizeLegacyDoc(doc map[string]any) map[string]any {
	doc = deepCopyMap(doc)
	doc = publicKeyIsVerificationMethod(doc)
	doc = authenticationIsRefs(doc)
	doc = fullyQualifiedIDsAndControllers(doc)
	doc = didcommServicesUseUpdatedConventions(doc)
	doc = removeRoutingKeysFromVerificationMethod(doc)
	doc = didcommServicesRecipKeysAreRefsRoutingKeysAreDIDKeyRef(doc)
	return doc
}

func publicKeyIsVerificationMethod(doc map[string]any) map[string]any {
	if pk, ok := doc["publicKey"]; ok {
		doc["verificationMethod"] = pk
		delete(doc, "publicKey")
	}
	return doc
}

func authenticationIsRefs(doc map[string]any) map[string]any {
	auths, ok := doc["authentication"].([]any)
	if !ok {
		return doc
	}
	out := make([]any, 0, len(auths))
	for _, a := range auths {
		if m, ok := a.(map[string]any); ok {
			if pk, ok := m["publicKey"].(string); ok {
				out = append(out, pk)
				continue
			}
		}
		out = append(out, a)
	}
	doc["authentication"] = out
	return doc
}

func qualified(id string) string {
	if strings.HasPrefix(id, "did:") {
		return id
	}
	return "did:sov:" + id
}

func fullyQualifiedIDsAndControllers(doc map[string]any) map[string]any {
	if id, ok := doc["id"].(string); ok {
		doc["id"] = qualified(id)
	}
	if vms, ok := doc["verificationMethod"].([]any); ok {
		for _, v := range vms {
			qualifyIDAndController(v)
		}
	}
	if services, ok := doc["service"].([]any); ok {
		for _, s := range services {
			qualifyIDAndController(s)
		}
	}
	if auths, ok := doc["authentication"].([]any); ok {
		for i, a := range auths {
			switch v := a.(type) {
			case string:
				auths[i] = qualified(v)
			case map[string]any:
				qualifyIDAndController(v)
			}
		}
	}
	return doc
}

func qualifyIDAndController(v any) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	if id, ok := m["id"].(string); ok {
		m["id"] = qualified(id)
	}
	if ctrl, ok := m["controller"].(string); ok {
		m["controller"] = qualified(ctrl)
	}
}

func didcommServicesUseUpdatedConventions(doc map[string]any) map[string]any {
	services, ok := doc["service"].([]any)
	if !ok {
		return doc
	}
	docID, _ := doc["id"].(string)
	for i, s := range services {
		svc, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := svc["type"].(string); t == "IndyAgent" {
			svc["type"] = "did-communication"
			id, _ := svc["id"].(string)
			if strings.Contains(id, ";") {
				id = fmt.Sprintf("%s#didcomm-%d", docID, i)
			}
			if !strings.Contains(id, "#") {
				id = fmt.Sprintf("%s#didcomm-%d", id, i)
			}
			svc["id"] = id
		}
	}
	return doc
}

func removeRoutingKeysFromVerificationMethod(doc map[string]any) map[string]any {
	vms, _ := doc["verificationMethod"].([]any)
	services, _ := doc["service"].([]any)

	routing := map[string]bool{}
	for _, s := range services {
		svc, ok := s.(map[string]any)
		if !ok {
			continue
		}
		rks, ok := svc["routingKeys"].([]any)
		if !ok {
			continue
		}
		for _, rk := range rks {
			if s, ok := rk.(string); ok {
				routing[s] = true
			}
		}
	}

	filtered := make([]any, 0, len(vms))
	for _, v := range vms {
		m, ok := v.(map[string]any)
		if !ok {
			filtered = append(filtered, v)
			continue
		}
		if key, ok := m["publicKeyBase58"].(string); ok && routing[key] {
			continue
		}
		filtered = append(filtered, v)
	}
	doc["verificationMethod"] = filtered
	return doc
}

func didcommServicesRecipKeysAreRefsRoutingKeysAreDIDKeyRef(doc map[string]any) map[string]any {
	vms, _ := doc["verificationMethod"].([]any)
	services, _ := doc["service"].([]any)

	recipRef := func(recip string) string {
		for _, v := range vms {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if key, _ := m["publicKeyBase58"].(string); key == recip {
				if id, ok := m["id"].(string); ok {
					return id
				}
			}
		}
		return recip
	}

	for _, s := range services {
		svc, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := svc["type"].(string); t == "did-communication" {
			if recips, ok := svc["recipientKeys"].([]any); ok {
				for i, r := range recips {
					if s, ok := r.(string); ok {
						recips[i] = recipRef(s)
					}
				}
			}
		}
		if rks, ok := svc["routingKeys"].([]any); ok {
			for i, rk := range rks {
				s, ok := rk.(string)
				if !ok {
					continue
				}
				rks[i] = didKeyRef(s)
			}
		}
	}
	return doc
}

// didKeyRef converts a base58 verkey or bare did:key URI into a did:key
// URI with its #fragment self-reference; leaves an already-referenced
// did:key untouched.
func didKeyRef(key string) string {
	if crypto.IsDIDKey(key) {
		if strings.Contains(key, "#") {
			return key
		}
		return key + "#" + strings.TrimPrefix(key, "did:key:")
	}
	didKey, err := crypto.VerkeyToDIDKey(key)
	if err != nil {
		return key
	}
	return didKey + "#" + strings.TrimPrefix(didKey, "did:key:")
}

func deepCopyMap(m map[string]any) map[string]any {
	var clone func(v any) any
	clone = func(v any) any {
		switch t := v.(type) {
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, vv := range t {
				out[k] = clone(vv)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, vv := range t {
				out[i] = clone(vv)
			}
			return out
		default:
			return v
		}
	}
	return clone(m).(map[string]any)
}

// RecipientKeysAndEndpoint extracts the first service's recipientKeys
// and serviceEndpoint from a DID document, resolving verification-method
// refs back to base58 keys where possible.
func RecipientKeysAndEndpoint(doc map[string]any) (recipients []string, endpoint string, err error) {
	services, ok := doc["service"].([]any)
	if !ok || len(services) == 0 {
		return nil, "", fmt.Errorf("diddoc has no service entries")
	}
	svc, ok := services[0].(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("diddoc service entry is malformed")
	}
	endpoint, _ = svc["serviceEndpoint"].(string)
	if endpoint == "" {
		return nil, "", fmt.Errorf("diddoc service has no serviceEndpoint")
	}

	vms, _ := doc["verificationMethod"].([]any)
	resolveRef := func(ref string) string {
		if crypto.IsDIDKey(ref) {
			if vk, err := crypto.DIDKeyToVerkey(strings.SplitN(ref, "#", 2)[0]); err == nil {
				return vk
			}
			return ref
		}
		for _, v := range vms {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if id, _ := m["id"].(string); id == ref {
				if key, ok := m["publicKeyBase58"].(string); ok {
					return key
				}
			}
		}
		return ref
	}

	rks, _ := svc["recipientKeys"].([]any)
	for _, r := range rks {
		if s, ok := r.(string); ok {
			recipients = append(recipients, resolveRef(s))
		}
	}
	if len(recipients) == 0 {
		return nil, "", fmt.Errorf("diddoc service has no recipientKeys")
	}
	return recipients, endpoint, nil
}
