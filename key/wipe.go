package key

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"

	"github.com/jmcleod/ironca/internal/util"
)

// WipePrivateKey zeroes the secret components of a parsed private key in
// place. It is best effort: the runtime may hold derived copies (for example
// precomputed FIPS key state) that only become unreachable after a GC.
func WipePrivateKey(k crypto.PrivateKey) {
	switch k := k.(type) {
	case *rsa.PrivateKey:
		util.WipeBigInt(k.D)
		for _, p := range k.Primes {
			util.WipeBigInt(p)
		}
		util.WipeBigInt(k.Precomputed.Dp)
		util.WipeBigInt(k.Precomputed.Dq)
		util.WipeBigInt(k.Precomputed.Qinv)
		for i := range k.Precomputed.CRTValues {
			util.WipeBigInt(k.Precomputed.CRTValues[i].Exp)
			util.WipeBigInt(k.Precomputed.CRTValues[i].Coeff)
			util.WipeBigInt(k.Precomputed.CRTValues[i].R)
		}
	case *ecdsa.PrivateKey:
		util.WipeBigInt(k.D)
	case ed25519.PrivateKey:
		util.WipeBytes(k)
	case *ed25519.PrivateKey:
		if k != nil {
			util.WipeBytes(*k)
		}
	}
}
