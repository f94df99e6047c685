package tensor

import "math"

// Float16ToFloat32 converts IEEE 754 half-precision bits to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exponent := int32(h>>10) & 0x1F
	mantissa := uint32(h & 0x3FF)

	var bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		bits = sign << 31
	case exponent == 0:
		// Subnormal: normalize the mantissa.
		exponent = 1
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			exponent--
		}
		mantissa &= 0x3FF
		bits = sign<<31 | uint32(exponent+127-15)<<23 | mantissa<<13
	case exponent == 0x1F:
		bits = sign<<31 | 0xFF<<23 | mantissa<<13
	default:
		bits = sign<<31 | uint32(exponent+127-15)<<23 | mantissa<<13
	}
	return math.Float32frombits(bits)
}

// Float32ToFloat16 converts f to half-precision bits, rounding to nearest even.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	rawExp := int32(bits>>23) & 0xFF
	mant := bits & 0x7FFFFF

	if rawExp == 0xFF {
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	exp := rawExp - 127 + 15
	if exp >= 0x1F {
		return sign | 0x7C00
	}
	if exp <= 0 {
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		rem := mant & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return sign | half
	}

	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	rem := mant & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}
	return half
}

// BFloat16ToFloat32 converts bfloat16 bits to float32.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// RoundHalf rounds v to the nearest representable half-precision value.
func RoundHalf(v float32) float32 {
	return Float16ToFloat32(Float32ToFloat16(v))
}
