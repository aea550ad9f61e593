package crypto

import "crypto/cipher"

// cfb8 is CFB mode with an 8-bit segment: every output byte costs one block
// encryption, and the shift register advances by one ciphertext byte. The
// standard library only provides full-block CFB.
type cfb8 struct {
	block    cipher.Block
	register []byte
	out      []byte
	decrypt  bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	register := make([]byte, block.BlockSize())
	copy(register, iv)
	return &cfb8{
		block:    block,
		register: register,
		out:      make([]byte, block.BlockSize()),
		decrypt:  decrypt,
	}
}

func newCFB8Encrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, false)
}

func newCFB8Decrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, true)
}

func (x *cfb8) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("crypto: output smaller than input")
	}
	last := len(x.register) - 1
	for i, in := range src {
		x.block.Encrypt(x.out, x.register)
		res := in ^ x.out[0]

		fed := res
		if x.decrypt {
			fed = in
		}
		copy(x.register, x.register[1:])
		x.register[last] = fed

		dst[i] = res
	}
}
