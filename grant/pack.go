package grant

// pack7 packs ASCII characters into 7-bit code units, most significant bit
// first. A final partial byte is padded with zero bits.
func pack7(s string) []byte {
	out := make([]byte, 0, (len(s)*7+7)/8)
	var acc uint32
	nbits := 0
	for i := 0; i < len(s); i++ {
		acc = acc<<7 | uint32(s[i]&0x7f)
		nbits += 7
		for nbits >= 8 {
			nbits -= 8
			out = append(out, byte(acc>>nbits))
		}
		acc &= 1<<nbits - 1
	}
	if nbits > 0 {
		out = append(out, byte(acc<<(8-nbits)))
	}
	return out
}

// unpack7 reverses pack7. It yields floor(len(b)*8/7) characters and trims
// trailing NUL characters, which only ever come from padding bits.
func unpack7(b []byte) string {
	n := len(b) * 8 / 7
	out := make([]byte, 0, n)
	var acc uint32
	nbits := 0
	pos := 0
	for len(out) < n {
		for nbits < 7 {
			acc = acc<<8 | uint32(b[pos])
			pos++
			nbits += 8
		}
		nbits -= 7
		out = append(out, byte(acc>>nbits)&0x7f)
		acc &= 1<<nbits - 1
	}
	end := len(out)
	for end > 0 && out[end-1] == 0 {
		end--
	}
	return string(out[:end])
}
