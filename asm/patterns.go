package asm

// Ready-made ARM64 patch bodies for common function rewrites. Each is valid
// input for Assemble with ARM64.
const (
	PatternRet          = "ret"
	PatternNop          = "nop"
	PatternBreakpoint   = "brk #0"
	PatternInfiniteLoop = "b ."
	PatternSyscall      = "svc #0x80"
	PatternMemBarrier   = "dmb ish"
	PatternMemSync      = "dsb ish"

	PatternBoolTrue  = "mov w0, #1; ret"
	PatternBoolFalse = "mov w0, #0; ret"

	PatternIntZero  = "mov w0, #0; ret"
	PatternLongZero = "mov x0, #0; ret"
	PatternIntMax   = "movn w0, #0x8000, lsl #16; ret"
	PatternLongMax  = "movn x0, #0x8000, lsl #48; ret"
	PatternIntMin   = "movz w0, #0x8000, lsl #16; ret"
	PatternLongMin  = "movz x0, #0x8000, lsl #48; ret"

	PatternIntAdd  = "add w0, w0, w1; ret"
	PatternLongAdd = "add x0, x0, x1; ret"
	PatternIntSub  = "sub w0, w0, w1; ret"
	PatternLongSub = "sub x0, x0, x1; ret"
	PatternIntMul  = "mul w0, w0, w1; ret"
	PatternLongMul = "mul x0, x0, x1; ret"

	PatternFloatZero  = "fmov s0, wzr; ret"
	PatternDoubleZero = "fmov d0, xzr; ret"
	PatternFloatOne   = "fmov s0, #1.0; ret"
	PatternDoubleOne  = "fmov d0, #1.0; ret"
	PatternFloatMax   = "movz w0, #0x7f7f, lsl #16; movk w0, #0xffff; fmov s0, w0; ret"
	PatternDoubleMax  = "movz x0, #0x7fef, lsl #48; movk x0, #0xffff, lsl #32; movk x0, #0xffff, lsl #16; movk x0, #0xffff; fmov d0, x0; ret"
	PatternFloatMin   = "movz w0, #0x80, lsl #16; fmov s0, w0; ret"
	PatternDoubleMin  = "movz x0, #0x10, lsl #48; fmov d0, x0; ret"

	PatternFloatAdd  = "fadd s0, s0, s1; ret"
	PatternDoubleAdd = "fadd d0, d0, d1; ret"
	PatternFloatSub  = "fsub s0, s0, s1; ret"
	PatternDoubleSub = "fsub d0, d0, d1; ret"
	PatternFloatMul  = "fmul s0, s0, s1; ret"
	PatternDoubleMul = "fmul d0, d0, d1; ret"

	PatternIntEqual    = "cmp w0, w1; cset w0, eq; ret"
	PatternLongEqual   = "cmp x0, x1; cset w0, eq; ret"
	PatternFloatEqual  = "fcmp s0, s1; cset w0, eq; ret"
	PatternDoubleEqual = "fcmp d0, d1; cset w0, eq; ret"

	PatternIntToFloat   = "scvtf s0, w0; ret"
	PatternIntToDouble  = "scvtf d0, w0; ret"
	PatternLongToFloat  = "scvtf s0, x0; ret"
	PatternLongToDouble = "scvtf d0, x0; ret"
	PatternFloatToInt   = "fcvtzs w0, s0; ret"
	PatternDoubleToInt  = "fcvtzs w0, d0; ret"

	PatternIntAnd  = "and w0, w0, w1; ret"
	PatternLongAnd = "and x0, x0, x1; ret"
	PatternIntOr   = "orr w0, w0, w1; ret"
	PatternLongOr  = "orr x0, x0, x1; ret"
	PatternIntXor  = "eor w0, w0, w1; ret"
	PatternLongXor = "eor x0, x0, x1; ret"

	PatternPushFrame  = "stp x29, x30, [sp, #-16]!; mov x29, sp"
	PatternPopFrame   = "ldp x29, x30, [sp], #16"
	PatternFrameSetup = "sub sp, sp, #0x10"
	PatternFrameTear  = "add sp, sp, #0x10"

	PatternCallFuncPtr = "ldr x8, [x0]; blr x8"
	PatternVirtualCall = "ldr x8, [x0]; ldr x8, [x8, #8]; blr x8"
	PatternNullGuard   = "cbnz x0, .+8; ret"
)
