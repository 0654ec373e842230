// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Generates the secrets the issuer needs from the environment, printed as
// env assignments ready for a .env file. With -alg it additionally emits a
// PEM signing keypair for resource servers that verify against a pinned key
// instead of the JWKS endpoint.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
)

func main() {
	alg := flag.String("alg", "", "also emit a signing keypair: RS256 or ES256")
	flag.Parse()

	fmt.Printf("ENCRYPTION_KEY=%s\n", randomHex32())
	fmt.Printf("SESSION_COOKIE_SECRET=%s\n", randomHex32())

	if *alg == "" {
		return
	}

	var private any
	var err error
	switch *alg {
	case "RS256":
		private, err = rsa.GenerateKey(rand.Reader, 2048)
	case "ES256":
		private, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		log.Fatalf("unsupported algorithm %q: want RS256 or ES256", *alg)
	}
	if err != nil {
		log.Fatalf("key generation failed: %v", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		log.Fatalf("encode private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(publicOf(private))
	if err != nil {
		log.Fatalf("encode public key: %v", err)
	}

	fmt.Println()
	pem.Encode(os.Stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pem.Encode(os.Stdout, &pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
}

func randomHex32() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("random source failed: %v", err)
	}
	return hex.EncodeToString(buf)
}

func publicOf(private any) any {
	switch k := private.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	}
	return nil
}
