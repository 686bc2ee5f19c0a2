// Package validation contains input validation helpers.
package validation

// IsValidRefCode checks a payment reference code: 8 to 12 characters, upper
// case letters and digits only. M-Pesa receipt numbers and locally generated
// order references both fit this shape.
func IsValidRefCode(code string) bool {
	if len(code) < 8 || len(code) > 12 {
		return false
	}

	for i := 0; i < len(code); i++ {
		c := code[i]
		if c >= 'A' && c <= 'Z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		return false
	}

	return true
}

// IsValidPhone checks an MSISDN in the 2547XXXXXXXX form expected by the
// STK push API.
func IsValidPhone(phone string) bool {
	if len(phone) != 12 {
		return false
	}
	for i := 0; i < len(phone); i++ {
		if phone[i] < '0' || phone[i] > '9' {
			return false
		}
	}
	return phone[0] == '2' && phone[1] == '5' && phone[2] == '4'
}
