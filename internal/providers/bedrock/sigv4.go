package bedrock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Credentials holds the AWS credential triple used to sign Bedrock
// requests. No SigV4 signing library is present anywhere in the example
// corpus (the only AWS-adjacent hit is a New Relic instrumentation shim),
// and pulling in aws-sdk-go-v2 for this alone was rejected in DESIGN.md —
// so this is a minimal hand-rolled SigV4 signer using only crypto/hmac and
// crypto/sha256.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

const service = "bedrock"

// SignRequest signs req in place per AWS Signature Version 4, for a request
// whose body has already been set on req.Body/GetBody and whose payload
// hash is passed in payloadHash (hex-encoded SHA-256 of the body).
func SignRequest(req *http.Request, creds Credentials, payloadHash string, now time.Time) {
	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := now.UTC().Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := strings.Join([]string{dateStamp, creds.Region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hashHex(canonicalRequest),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, creds.Region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := "AWS4-HMAC-SHA256 " +
		"Credential=" + creds.AccessKeyID + "/" + credentialScope + ", " +
		"SignedHeaders=" + signedHeaders + ", " +
		"Signature=" + signature
	req.Header.Set("Authorization", authHeader)
}

func canonicalURI(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalizeHeaders(req *http.Request) (canonical string, signed string) {
	names := make([]string, 0, len(req.Header)+1)
	values := map[string]string{}

	add := func(name, value string) {
		lower := strings.ToLower(name)
		if existing, ok := values[lower]; ok {
			values[lower] = existing + "," + strings.TrimSpace(value)
		} else {
			names = append(names, lower)
			values[lower] = strings.TrimSpace(value)
		}
	}

	for name, vals := range req.Header {
		for _, v := range vals {
			add(name, v)
		}
	}
	if req.Header.Get("Host") == "" {
		add("host", req.URL.Host)
	}

	sort.Strings(names)
	var cb strings.Builder
	for _, n := range names {
		cb.WriteString(n)
		cb.WriteString(":")
		cb.WriteString(values[n])
		cb.WriteString("\n")
	}
	return cb.String(), strings.Join(names, ";")
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}
